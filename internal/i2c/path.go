// Package i2c is a small register-level I2C client for the IMU drivers.
package i2c

import "fmt"

// BusPath returns the character device for adapter n.
func BusPath(n int) string { return fmt.Sprintf("/dev/i2c-%d", n) }
