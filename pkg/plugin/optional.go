package plugin

// HTTPProvider is implemented by modules that expose REST API routes.
// Paths are mounted under /api/v1.
type HTTPProvider interface {
	Routes() []Route
}

// StreamProvider is implemented by modules that expose long-lived
// connection endpoints. Paths are mounted at the server root.
type StreamProvider interface {
	Streams() []Route
}

// CountReporter is implemented by modules that contribute counters to the
// health endpoint.
type CountReporter interface {
	Counts() map[string]int
}

// Validator is implemented by modules that validate their config post-init.
type Validator interface {
	ValidateConfig() error
}
