//go:build !nodirect

package activities

// driverAvailable reports whether the direct transfer path was compiled in.
var driverAvailable = true
