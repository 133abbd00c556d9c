package httpserver

import (
	"time"

	"github.com/blackmichael/nearby-feeds/internal/domain"
	"github.com/blackmichael/nearby-feeds/internal/geo"
)

type feedResponse struct {
	Set              string  `json:"set"`
	RadiusKm         float64 `json:"radius_km"`
	TTLSeconds       float64 `json:"ttl_seconds"`
	RefetchOnRefocus bool    `json:"refetch_on_refocus"`
}

type coordinateResponse struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type profileResponse struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	UserType string `json:"usertype,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type postDetailsResponse struct {
	Description  string `json:"description"`
	ImageURL     string `json:"image_url,omitempty"`
	CommentCount int    `json:"comment_count"`
}

type doctorDetailsResponse struct {
	Online      bool   `json:"online"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type itemResponse struct {
	ID         string                 `json:"id"`
	OwnerID    string                 `json:"owner_id"`
	CreatedAt  time.Time              `json:"created_at"`
	Location   *string                `json:"location"`
	DistanceKm *float64               `json:"distance_km"`
	Profile    *profileResponse       `json:"profile,omitempty"`
	Post       *postDetailsResponse   `json:"post,omitempty"`
	Doctor     *doctorDetailsResponse `json:"doctor,omitempty"`
}

type nearbyResponse struct {
	Set      string              `json:"set"`
	Origin   *coordinateResponse `json:"origin,omitempty"`
	RadiusKm float64             `json:"radius_km,omitempty"`
	Items    []itemResponse      `json:"items"`
	Loading  bool                `json:"loading"`
	Error    string              `json:"error"`
	Message  string              `json:"message,omitempty"`
}

type createPostRequest struct {
	UserID      string   `json:"user_id"`
	Description string   `json:"description"`
	ImageURL    string   `json:"image_url"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
}

type postResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Description string    `json:"description"`
	ImageURL    string    `json:"image_url,omitempty"`
	Location    *string   `json:"location"`
	CreatedAt   time.Time `json:"created_at"`
}

type doctorStatusRequest struct {
	Online      *bool  `json:"online"`
	PhoneNumber string `json:"phone_number"`
}

func toNearbyResponse(res *domain.RankedResult) nearbyResponse {
	resp := nearbyResponse{
		Set:      string(res.Set),
		RadiusKm: res.RadiusKm,
		Items:    make([]itemResponse, 0, len(res.Items)),
		Loading:  res.Loading,
		Error:    string(res.Error),
	}
	if res.Origin != nil {
		resp.Origin = toCoordinateResponse(*res.Origin)
	}
	if res.Err != nil {
		resp.Message = res.Err.Error()
	}

	for _, item := range res.Items {
		out := itemResponse{
			ID:         item.ID,
			OwnerID:    item.OwnerID,
			CreatedAt:  item.CreatedAt,
			Location:   item.Location,
			DistanceKm: item.DistanceKm,
		}
		if p := item.Profile; p != nil {
			out.Profile = &profileResponse{ID: p.ID, Username: p.Username, UserType: p.UserType, Phone: p.Phone}
		}
		if p := item.Post; p != nil {
			out.Post = &postDetailsResponse{Description: p.Description, ImageURL: p.ImageURL, CommentCount: p.CommentCount}
		}
		if d := item.Doctor; d != nil {
			out.Doctor = &doctorDetailsResponse{Online: d.Online, PhoneNumber: d.PhoneNumber}
		}
		resp.Items = append(resp.Items, out)
	}
	return resp
}

func toCoordinateResponse(c geo.Coordinate) *coordinateResponse {
	return &coordinateResponse{Lat: c.Lat, Lng: c.Lng}
}

func toPostResponse(p *domain.NewPost) postResponse {
	resp := postResponse{
		ID:          p.ID,
		UserID:      p.UserID,
		Description: p.Description,
		ImageURL:    p.ImageURL,
		CreatedAt:   p.CreatedAt,
	}
	if p.Location != nil {
		loc := p.Location.String()
		resp.Location = &loc
	}
	return resp
}
