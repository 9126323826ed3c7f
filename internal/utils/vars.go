package utils

import (
	"errors"
	"time"
)

const (
	DefaultBufferSize     = 32 * 1024
	DefaultRequestTimeout = 60 * time.Second
	// Files at or below this size always take the single-stream path.
	MultiChunkThreshold = 1024 * 1024
	MaxChunks           = 8
	DefaultConnections  = 8
	ChunkDirSuffix      = ".chunks"
	LogFile             = ".haul.log"
	StateFile           = "downloads.yaml"
	ToolUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var (
	ErrRangeNotSatisfiable = errors.New("server rejected range request (416)")
	ErrUnexpectedStatus    = errors.New("unexpected status code")
	ErrUnsupportedScheme   = errors.New("unsupported URL scheme")
	ErrMergeSize           = errors.New("merged size does not match expected size")
	ErrTaskNotFound        = errors.New("task not found")
	ErrAmbiguousID         = errors.New("task id prefix is ambiguous")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

var defaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
	"Connection":      "keep-alive",
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:136.0) Gecko/20100101 Firefox/136.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36 Edg/132.0.0.0",
	"curl/8.5.0",
	"Wget/1.21.4",
}
