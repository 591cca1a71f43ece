package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"roombook/internal/config"
	"roombook/internal/database"
	"roombook/internal/export"
	"roombook/internal/logging"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	var (
		configPath = pflag.StringP("config", "c", "configs/config.yaml", "path to the configuration file")
		roomID     = pflag.StringP("room", "r", "", "room id to export (required)")
		outDir     = pflag.StringP("out", "o", "", "output directory (defaults to exports.path)")
	)
	pflag.Parse()

	if *roomID == "" {
		pflag.Usage()
		return fmt.Errorf("--room is required")
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" && !pflag.CommandLine.Changed("config") {
		*configPath = env
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.NewDB(cfg.Database.Path, logging.Component(logger, "database"))
	if err != nil {
		return err
	}
	defer db.Close()

	room, err := db.GetRoom(ctx, *roomID)
	if err != nil {
		return err
	}
	reservations, err := db.FindByRoom(ctx, room.ID)
	if err != nil {
		return err
	}

	dir := *outDir
	if dir == "" {
		dir = cfg.Exports.Path
	}
	report := export.RoomReport{Room: room, Reservations: reservations, Location: cfg.Booking.Location()}
	path, err := report.Save(dir)
	if err != nil {
		return err
	}

	logger.Info().Str("room_id", room.ID).Int("reservations", len(reservations)).Str("file_path", path).Msg("export written")
	fmt.Println(path)
	return nil
}
