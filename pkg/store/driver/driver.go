// Package driver opens the store selected by configuration.
package driver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/config"
	"github.com/mahaj/clinic-chat/pkg/db"
	"github.com/mahaj/clinic-chat/pkg/snowflake"
	"github.com/mahaj/clinic-chat/pkg/store"
	"github.com/mahaj/clinic-chat/pkg/store/scyllastore"
	"github.com/mahaj/clinic-chat/pkg/store/sqlstore"
)

// Open connects to cfg.StoreDriver. Message ids are generated on node
// cfg.NodeID, which must be unique per running process.
func Open(cfg *config.Config, log *zap.Logger) (store.Store, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, err
	}

	switch cfg.StoreDriver {
	case config.DriverScylla:
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace, log)
		if err != nil {
			return nil, err
		}
		return scyllastore.New(session, node), nil
	case config.DriverSQLite:
		s, err := sqlstore.New(cfg.SQLiteDSN, node)
		if err != nil {
			return nil, err
		}
		log.Info("using sqlite store", zap.String("dsn", cfg.SQLiteDSN))
		return s, nil
	}
	return nil, fmt.Errorf("driver: unknown store %q", cfg.StoreDriver)
}
