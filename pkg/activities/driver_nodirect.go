//go:build nodirect

package activities

var driverAvailable = false
