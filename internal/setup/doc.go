// Package setup prepares a host for running the scheduler: the storage
// layout, the default configuration file, the task database and the
// analysis network.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
