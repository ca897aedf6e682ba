package primary

// Config is the set of settings a deployment supplies at startup,
// mirroring the group-tagged structs `examples/word-count/wordcountctl`
// consumes via go-flags (`mbp.AddressConfig`, `mbp.LogConfig`): plain
// fields with defaults, parsed by the CLI rather than by this package.
type Config struct {
	// IndexName, IndexID, and PrimaryGen identify the index and
	// generation this coordinator is the primary for.
	IndexName  string `long:"index-name" description:"Name of the index this node is primary for." required:"true"`
	IndexID    string `long:"index-id" description:"Unique identifier of the index generation."`
	PrimaryGen int64  `long:"primary-gen" description:"Primary generation counter."`

	// RAMBufferSizeMB is passed through to the underlying writer.
	RAMBufferSizeMB float64 `long:"ram-buffer-size-mb" default:"256" description:"Writer RAM buffer size, in megabytes."`

	// MaxMergePreCopyDurationSec bounds how long a merge pre-copy fan-out
	// waits for every replica to drain before giving up on a deadline;
	// zero or negative means no deadline.
	MaxMergePreCopyDurationSec int `long:"max-merge-precopy-duration-sec" default:"0" description:"Deadline for merge pre-copy fan-out, in seconds; 0 disables it."`

	// DurableUploadBucket and DurableUploadPrefix configure where
	// durable.S3UploadQueue uploads each refresh's serialized file
	// manifest.
	DurableUploadBucket string `long:"durable-upload-bucket" description:"S3 bucket for durable copy-state uploads."`
	DurableUploadPrefix string `long:"durable-upload-prefix" default:"nrtsearch-primary" description:"Key prefix for durable copy-state uploads."`

	// AdminAddr is the address the admin HTTP surface (status, health,
	// metrics) listens on.
	AdminAddr string `long:"admin-addr" default:":8080" description:"Address for the admin HTTP server."`

	// RefreshIntervalMS is how often the daemon drives a refresh cycle.
	RefreshIntervalMS int `long:"refresh-interval-ms" default:"1000" description:"Interval between refresh cycles, in milliseconds."`
}
