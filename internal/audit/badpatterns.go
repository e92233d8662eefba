package audit

// PatternGroup is one category of the built-in never-track list, used both
// for matching and for emitting a grouped .gitignore section.
type PatternGroup struct {
	Title    string
	Patterns []string
}

// badPatternGroups is the universal never-track catalog. It is compiled into
// the binary and deliberately not user-configurable: the point is a shared
// hygiene baseline, not a per-team lint config.
var badPatternGroups = []PatternGroup{
	{
		Title: "dependency directories",
		Patterns: []string{
			"**/node_modules/**",
			"**/vendor/bundle/**",
			"**/.venv/**",
			"**/venv/**",
			"**/__pycache__/**",
		},
	},
	{
		Title: "build outputs",
		Patterns: []string{
			"**/dist/**",
			"**/build/**",
			"**/target/debug/**",
			"**/target/release/**",
			"**/*.o",
			"**/*.pyc",
		},
	},
	{
		Title: "environment files",
		Patterns: []string{
			"**/.env",
			"**/.env.local",
			"**/.env.*.local",
		},
	},
	{
		Title: "keys and certificates",
		Patterns: []string{
			"**/*.pem",
			"**/*.key",
			"**/*.p12",
			"**/*.pfx",
			"**/id_rsa",
			"**/id_ed25519",
		},
	},
	{
		Title: "OS metadata",
		Patterns: []string{
			"**/.DS_Store",
			"**/Thumbs.db",
			"**/desktop.ini",
		},
	},
	{
		Title: "IDE-private settings",
		Patterns: []string{
			"**/.idea/**",
			"**/.vscode/settings.json",
			"**/*.swp",
		},
	},
}

// BadPatternGroups exposes the catalog for the gitignore fix and for the
// plan printer.
func BadPatternGroups() []PatternGroup {
	return badPatternGroups
}
