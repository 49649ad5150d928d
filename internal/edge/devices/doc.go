// Package devices owns the physical peripherals on the edge: payment
// terminals and fiscal printers behind driver interfaces, with simulated
// drivers for development. The manager keeps working while the channel
// is down; connectivity only affects when results are delivered.
package devices
