package tcmu

import "github.com/ehrlich-b/go-tcmu/internal/constants"

// Re-export constants for public API
const (
	DefaultMaxInflight  = constants.DefaultMaxInflight
	DefaultBlockSize    = constants.DefaultBlockSize
	DefaultMaxXferLen   = constants.DefaultMaxXferLen
	DefaultOptUnmapGran = constants.DefaultOptUnmapGran
	DefaultConfigFSRoot = constants.DefaultConfigFSRoot
	DefaultConfigFile   = constants.DefaultConfigFile
)
