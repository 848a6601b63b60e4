package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = ChainsyncSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// ChainsyncSemVer is the current version of chainsync.
	// It's the Semantic Version of the software.
	ChainsyncSemVer = "0.3.0"
)

// Protocol is used for implementation agnostic versioning.
type Protocol uint64

var (
	// SyncProtocol versions the sync messages and the handshake.
	SyncProtocol Protocol = 2

	// BlockProtocol versions the header and body encodings, and thus block
	// hashes.
	BlockProtocol Protocol = 1
)
