/*
Package loader prepares the addon registry before the worker serves.

Prepare synthesizes two importable modules, koishi/addons (registerAddon)
and koishi/utils (inspect, format and string helpers), registers the
stack trace path rules for the addon root and setup directories, runs the
setup files and then every configured addon as a CommonJS module, and
finally freezes the registry. Synthetic modules are reachable only through
the require function handed to those modules; eval code never sees them.

Prepared sources can be kept in a zstd compressed CBOR cache keyed by
BLAKE2b digests of the raw files.
*/
package loader
