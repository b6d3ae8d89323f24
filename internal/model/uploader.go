package model

import "context"

// Uploader publishes an encoded run Report
//
//go:generate go tool mockgen -destination=./mock/uploader.go -package=mock github.com/CZERTAINLY/probe-lens/internal/model Uploader
type Uploader interface {
	Upload(ctx context.Context, runID string, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
