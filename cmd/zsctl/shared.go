package main

import (
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/config"
	"github.com/aidenlippert/zerostate/internal/store"
)

func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = viper.ConfigFileUsed()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.Store.Path, zap.NewNop())
}
