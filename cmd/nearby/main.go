package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/blackmichael/nearby-feeds/internal/config"
	"github.com/blackmichael/nearby-feeds/internal/domain"
	"github.com/blackmichael/nearby-feeds/internal/geo"
	"github.com/blackmichael/nearby-feeds/internal/geolocation"
	"github.com/blackmichael/nearby-feeds/internal/realtime"
	"github.com/blackmichael/nearby-feeds/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var (
		set         string
		lat         string
		lng         string
		radius      float64
		watch       bool
		driver      string
		databaseURL string
		realtimeURL string
		geoURL      string
	)

	flag.StringVar(&set, "set", "posts", "Feed to rank (posts or doctor_status)")
	flag.StringVar(&lat, "lat", "", "Latitude of the requester; omit to use IP geolocation")
	flag.StringVar(&lng, "lng", "", "Longitude of the requester; omit to use IP geolocation")
	flag.Float64Var(&radius, "radius", 0, "Search radius in km (defaults to the feed's radius)")
	flag.BoolVar(&watch, "watch", false, "Keep printing the feed as changes arrive until interrupted")
	flag.StringVar(&driver, "driver", cfg.Database.Driver, "Database driver (postgres or sqlite)")
	flag.StringVar(&databaseURL, "db", cfg.Database.URL, "Database URL or SQLite path")
	flag.StringVar(&realtimeURL, "realtime", cfg.RealtimeURL, "Websocket change stream URL used by --watch")
	flag.StringVar(&geoURL, "geolocation", cfg.GeolocationURL, "IP geolocation endpoint")
	flag.Parse()

	if set == "doctors" {
		set = string(domain.SetDoctors)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	locator, err := newLocator(lat, lng, geoURL, cfg)
	if err != nil {
		return err
	}

	repo, err := storage.Open(config.DatabaseConfig{Driver: driver, URL: databaseURL})
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	hub := realtime.NewHub(logger)
	feedService, err := domain.NewFeedService(cfg.FeedConfigs(), repo, repo, logger,
		domain.WithChangeFeed(hub),
		domain.WithLocationTimeout(cfg.LocationTimeout),
		domain.WithRetryDelay(cfg.StoreRetryDelay),
	)
	if err != nil {
		return fmt.Errorf("create feed service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if watch {
		if realtimeURL == "" {
			return fmt.Errorf("--watch requires --realtime (or set REALTIME_URL)")
		}
		subscriber := realtime.NewSubscriber(realtimeURL, []string{set}, hub, logger)
		go func() {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("change stream subscriber exited with error", "error", err)
			}
		}()
	}

	view, err := feedService.OpenView(ctx, domain.ViewConfig{Set: domain.CandidateSet(set), RadiusKm: radius}, locator)
	if err != nil {
		return err
	}
	defer view.Close()

	res, err := view.Result(ctx)
	if err != nil {
		return err
	}
	printResult(res)

	if !watch {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-view.Updates():
			if !ok {
				return nil
			}
			if res.Loading {
				fmt.Println("refreshing...")
				continue
			}
			printResult(res)
		}
	}
}

func newLocator(lat, lng, geoURL string, cfg *config.Config) (domain.GeolocationProvider, error) {
	if lat == "" && lng == "" {
		opts := []geolocation.ClientOption{geolocation.WithTimeout(cfg.LocationTimeout)}
		if geoURL != "" {
			opts = append(opts, geolocation.WithURL(geoURL))
		}
		return geolocation.NewClient(opts...), nil
	}

	latitude, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid --lat %q: %w", lat, err)
	}
	longitude, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid --lng %q: %w", lng, err)
	}
	origin := geo.Coordinate{Lat: latitude, Lng: longitude}
	if !origin.Valid() {
		return nil, fmt.Errorf("coordinates %s out of range", origin)
	}
	return geolocation.Static{Position: &origin}, nil
}

func printResult(res *domain.RankedResult) {
	switch res.Error {
	case domain.ErrorLocation:
		fmt.Printf("Cannot rank %s: %v\n", res.Set, res.Err)
		return
	case domain.ErrorStore:
		fmt.Printf("Cannot load %s: %v\n", res.Set, res.Err)
		return
	}

	fmt.Printf("%d %s within %.1f km of %s\n", len(res.Items), res.Set, res.RadiusKm, res.Origin)
	for i, item := range res.Items {
		owner := item.OwnerID
		if item.Profile != nil && item.Profile.Username != "" {
			owner = item.Profile.Username
		}
		fmt.Printf("%3d. %6.2f km  %-20s %s\n", i+1, *item.DistanceKm, owner, summary(item))
	}
}

func summary(item domain.AnnotatedCandidate) string {
	switch {
	case item.Post != nil:
		return fmt.Sprintf("%s (%d comments)", item.Post.Description, item.Post.CommentCount)
	case item.Doctor != nil && item.Doctor.PhoneNumber != "":
		return "online, " + item.Doctor.PhoneNumber
	case item.Doctor != nil:
		return "online"
	default:
		return item.ID
	}
}
