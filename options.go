package mnemo

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	notifyURL         string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	responseGenerator ResponseGenerator
	extractorClient   ExtractorClient
	extraMigrations   []fs.FS
}

// WithPort overrides the TCP port from config (MNEMO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres pool URL (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the dedicated LISTEN/NOTIFY connection URL
// (MNEMO_NOTIFY_URL env var). An empty value disables the SSE broker.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the reported version string (normally from -ldflags).
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithResponseGenerator replaces the auto-detected response generator.
func WithResponseGenerator(g ResponseGenerator) Option {
	return func(o *resolvedOptions) { o.responseGenerator = g }
}

// WithExtractorClient replaces the auto-detected deep-extraction client.
func WithExtractorClient(c ExtractorClient) Option {
	return func(o *resolvedOptions) { o.extractorClient = c }
}

// WithExtraMigrations appends migration filesystems applied after the
// embedded schema, for consumers extending the database.
func WithExtraMigrations(migrations ...fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, migrations...) }
}
