package common

const PackageName = "github.com/ruteri/tee-keyshare-quorum"

// Version is set at build time with -ldflags "-X ...common.Version=...".
var Version = "dev"
