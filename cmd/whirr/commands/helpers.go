package commands

import (
	"github.com/syntropy-systems-oss/whirr/client"
	"github.com/syntropy-systems-oss/whirr/config"
	"github.com/syntropy-systems-oss/whirr/db"
	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/logger"
	"github.com/syntropy-systems-oss/whirr/queue"
)

// env holds resolved command context: data root, config, and the embedded
// store when running locally.
type env struct {
	dataDir string
	cfg     *config.Config
	store   *queue.SQLiteStore
}

// openLocal resolves the data root and opens the embedded store.
func openLocal() (*env, error) {
	dataDir, err := config.RequireDataDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(config.DBPath(dataDir), logger.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "migrate database")
	}

	return &env{
		dataDir: dataDir,
		cfg:     cfg,
		store:   queue.NewSQLiteStore(database, config.RunsDir(dataDir)),
	}, nil
}

func (e *env) Close() {
	if e.store != nil {
		e.store.Close()
	}
}

// remoteClient builds a client when a server URL is configured, preferring
// the flag over WHIRR_SERVER_URL.
func remoteClient(flagURL string) *client.Client {
	url := flagURL
	if url == "" {
		cfg, err := config.Load("")
		if err != nil {
			return nil
		}
		url = cfg.Server.URL
	}
	if url == "" {
		return nil
	}
	return client.New(url)
}
