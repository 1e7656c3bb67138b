// main.go
package main

import (
	"context"
	"flag"
	"os"

	"github.com/rs/zerolog"

	"github.com/shahidk/noteworthy/config"
	"github.com/shahidk/noteworthy/httpapi"
	"github.com/shahidk/noteworthy/storage"
	"github.com/shahidk/noteworthy/storage/pgkv"
	"github.com/shahidk/noteworthy/store"
	"github.com/shahidk/noteworthy/sync"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx := context.Background()

	var (
		kv      storage.KV
		channel sync.Channel
		pg      *pgkv.Store
	)
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err = pgkv.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres storage")
		}
		defer pg.Close()
		kv = pg

		pgch := sync.NewPGChannel(pg.Pool(), cfg.Broadcast.Channel, log)
		channel = pgch

	default:
		kv = storage.NewMemory()
		hub := sync.NewHub()
		go hub.Run()
		defer hub.Close()
		channel = hub.Channel()
	}

	var adapter *storage.Encrypted
	if cfg.Storage.Plaintext {
		log.Warn().Msg("plaintext storage mode enabled, data is not encrypted at rest")
		adapter = storage.NewPlaintext(kv)
	} else {
		adapter = storage.NewEncrypted(kv)
	}

	st := store.New()
	mw := sync.Attach(st, adapter, channel, cfg.Storage.Key, log)
	if pgch, ok := channel.(*sync.PGChannel); ok {
		pgch.Start(ctx)
	}

	if err := mw.Rehydrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("rehydrate state")
	}

	app := httpapi.New(st, cfg.AuthToken, log)

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("driver", cfg.Storage.Driver).
		Str("origin", mw.Origin()).
		Msg("noteworthy starting")

	if err := app.Listen(cfg.ListenAddr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
