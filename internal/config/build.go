package config

// Build metadata set at link time:
//
//	go build -ldflags "-X billingledger/internal/config.version=1.4.0 \
//	    -X billingledger/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X billingledger/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo constructs a BuildInfo from the linker-injected variables.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
