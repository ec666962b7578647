package internal

// Version is the version of the srp-go library and its executables.
const Version = "0.1.0"
