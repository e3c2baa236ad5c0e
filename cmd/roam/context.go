package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"roam/internal/cache"
	"roam/internal/config"
	"roam/internal/queue"
	"roam/internal/storage"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// stores opens the shared database plus the queue and cache stores. The
// returned closer releases the database handle.
func (c *commandContext) stores() (*storage.DB, *queue.Store, *cache.Store, func(), error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	db, err := storage.Open(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	closer := func() { _ = db.Close() }

	queueStore, err := queue.NewStore(db, queue.Defaults{
		MaxRetries: cfg.Queue.MaxRetries,
		Timeout:    cfg.QueueTimeout(),
	})
	if err != nil {
		closer()
		return nil, nil, nil, nil, err
	}

	cacheStore, err := cache.NewStore(db)
	if err != nil {
		closer()
		return nil, nil, nil, nil, err
	}
	return db, queueStore, cacheStore, closer, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
