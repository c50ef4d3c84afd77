// Package cli contains shared command-line helpers and utilities.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SuriyaPasupathi/edx-mfe/storage"
	"github.com/SuriyaPasupathi/edx-mfe/storage/diskv"
	"github.com/SuriyaPasupathi/edx-mfe/storage/inmem"
	"github.com/SuriyaPasupathi/edx-mfe/storage/mongodb"
	"github.com/SuriyaPasupathi/edx-mfe/storage/mysql"
	"github.com/SuriyaPasupathi/edx-mfe/storage/pgsql"

	"github.com/micromdm/nanolib/log"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

type StringAccumulator []string

func (s *StringAccumulator) String() string {
	return strings.Join(*s, ",")
}

func (s *StringAccumulator) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// Storage accumulates the -storage and -dsn flag pairs.
type Storage struct {
	Storage StringAccumulator
	DSN     StringAccumulator
}

func NewStorage() *Storage {
	return &Storage{}
}

// Parse builds the storage backend from the accumulated flags. At most
// one backend pair may be given; none selects the in-memory backend.
func (s *Storage) Parse(logger log.Logger) (storage.AllStorage, error) {
	if len(s.Storage) > 1 {
		return nil, errors.New("only one storage backend may be specified")
	}
	// default backend
	if len(s.Storage) < 1 {
		s.Storage = append(s.Storage, "inmem")
	}
	for len(s.DSN) < len(s.Storage) {
		s.DSN = append(s.DSN, "")
	}
	name, dsn := s.Storage[0], s.DSN[0]
	logger.Info("msg", "storage setup", "storage", name)

	switch name {
	case "inmem":
		return inmem.New(), nil
	case "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return diskv.New(dsn), nil
	case "mysql":
		return mysql.New(
			mysql.WithDSN(dsn),
			mysql.WithLogger(logger.With("storage", "mysql")),
		)
	case "pgsql":
		return pgsql.New(
			pgsql.WithDSN(dsn),
			pgsql.WithLogger(logger.With("storage", "pgsql")),
		)
	case "mongodb":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return mongodb.New(ctx, dsn, "", "")
	}
	return nil, fmt.Errorf("unknown storage: %s", name)
}
