package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/archive"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/config"
)

func setupArchive(ctx context.Context, cfg config.ArchiveConfig) (*archive.PostgresArchive, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	a, err := archive.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := a.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to prepare archive schema: %w", err)
	}
	return a, nil
}
