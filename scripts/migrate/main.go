package main

import (
	"flag"

	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/config"
	"github.com/mahaj/clinic-chat/pkg/db"
	"github.com/mahaj/clinic-chat/pkg/logger"
)

func main() {
	drop := flag.Bool("drop", false, "drop the message tables before migrating (users are kept)")
	flag.Parse()

	log := logger.Must("info", "console").Named("migrate")
	defer log.Sync()

	cfg, err := config.Load("0")
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.StoreDriver != config.DriverScylla {
		log.Info("sqlite schema is created on open, nothing to do", zap.String("driver", cfg.StoreDriver))
		return
	}

	if *drop {
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace, log)
		if err != nil {
			log.Fatal("failed to connect to ScyllaDB", zap.Error(err))
		}
		log.Info("dropping message tables")
		err = db.DropMessages(session)
		session.Close()
		if err != nil {
			log.Fatal("failed to drop tables", zap.Error(err))
		}
	}

	if err := db.Migrate(cfg.ScyllaHosts, cfg.Keyspace, log); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
}
