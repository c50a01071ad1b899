// Package config loads the sentineld configuration file and fills in
// conservative defaults for anything the operator leaves out. All relative
// paths are resolved against the directory containing the config file so a
// deployment can be moved as one unit.
package config
