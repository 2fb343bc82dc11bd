// Package credentials holds device credentials and the hash chains derived
// from them for each transport family. Hashes are computed lazily, once per
// Credentials value. Credentials are never persisted by this module.
package credentials
