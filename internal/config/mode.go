package config

// Mode identifies the deployment profile the launcher runs under.
type Mode string

const (
	// Production disables reload and runs several worker processes.
	Production Mode = "production"
	// Development reloads on file changes and runs a single worker.
	Development Mode = "development"
)

// EnvironmentVar selects the deployment mode.
const EnvironmentVar = "ENVIRONMENT"

// SelectMode resolves the deployment mode from the environment. Only the exact
// value "production" selects production; anything else, including an unset
// variable, falls back to development.
func SelectMode(getenv func(string) string) Mode {
	if getenv(EnvironmentVar) == string(Production) {
		return Production
	}
	return Development
}

// IsProduction reports whether m is the production profile.
func (m Mode) IsProduction() bool {
	return m == Production
}

func (m Mode) String() string {
	return string(m)
}
