package config

// DefaultUpstreamURL is the server-listing endpoint sampled when none is configured.
const DefaultUpstreamURL = "https://servers-frontend.fivem.net/api/servers/single/vvgvgx"

// ApplyDefaults sets the baseline configuration. YAML and environment values
// loaded afterwards overwrite these.
func ApplyDefaults(cfg *Config) {
	// --- Log ---
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	// --- Server ---
	cfg.Server.ListenAddress = ":8080"

	// --- Upstream ---
	cfg.Upstream.URL = DefaultUpstreamURL
	cfg.Upstream.TimeoutSeconds = 10

	// --- Loop ---
	cfg.Loop.PollIntervalSeconds = 30
	cfg.Loop.BackoffSeconds = 60
	cfg.Loop.RenderTimeoutSeconds = 60
	cfg.Loop.PublishTimeoutSeconds = 120

	// --- Store ---
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "server_stats.db"
	cfg.Store.Redis.KeyPrefix = "pt:"

	// --- Render ---
	cfg.Render.ArtifactPath = "server_population.png"
	cfg.Render.Title = "Server Population History"
	cfg.Render.WidthInches = 15
	cfg.Render.HeightInches = 8
	cfg.Render.DPI = 300

	// --- Publish ---
	cfg.Publish.Driver = "git"
	cfg.Publish.Wrapper.Path = "index.html"
	cfg.Publish.Wrapper.Title = "Server Population"
	cfg.Publish.Wrapper.RefreshSeconds = 180

	cfg.Publish.Git.RepoDir = "."
	cfg.Publish.Git.Remote = "origin"
	cfg.Publish.Git.Pull = true
	cfg.Publish.Git.Force = true

	cfg.Publish.GitLab.URL = "https://gitlab.com"
	cfg.Publish.GitLab.Branch = "main"
}
