package protocol

import "time"

// Server defaults.
const (
	// DefaultPort is the client-facing listen port.
	DefaultPort = 12800

	// DefaultEngine is the worker binary launched per index.
	DefaultEngine = "reindeer_socket"

	// DefaultWatchInterval is the reconciliation loop period.
	DefaultWatchInterval = 8 * time.Second

	// DefaultProbeTimeout bounds a connect-and-greet attempt on a loading worker.
	DefaultProbeTimeout = 1 * time.Second

	// DefaultTmpDir is where per-query scratch directories are created.
	DefaultTmpDir = "/tmp"

	// DefaultFormat is the result format used when a query names none.
	DefaultFormat = "raw"

	// RdeerDir is the user-level state directory (e.g., ~/.rdeer).
	RdeerDir = ".rdeer"

	// LockDir holds, under RdeerDir, one lock file per served index root.
	LockDir = "locks"
)

// IndexMarkers are the files whose joint presence marks a directory as a
// loadable index.
var IndexMarkers = []string{ //nolint:gochecknoglobals // read-only default
	"reindeer_matrix_eqc_info.txt",
	"reindeer_matrix_eqc_position",
	"reindeer_matrix_eqc",
}

// Query scratch file names, relative to the per-request temp directory.
const (
	QueryInFile  = "query.fa"
	QueryOutFile = "reindeer.out"
)
