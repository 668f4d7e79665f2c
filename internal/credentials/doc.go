// Package credentials owns the gateway's at-rest credential storage.
//
// Every authenticated user has a token directory {data_dir}/user-{id}
// containing tokens.json; the default worker uses {data_dir}/default. The
// store layers an in-memory TTL cache over the files, serializes writes per
// user, and commits with write-then-rename so a crash never leaves a
// partial file behind.
//
// Refresh tokens can be sealed with ChaCha20-Poly1305 (see Cipher) using a
// key from the TOKEN_KEY environment variable. Access tokens stay plaintext
// because the worker process reads the same file without the key.
//
// Workers are allowed to rewrite tokens.json inside their own directory;
// the store watches the data directory with fsnotify and drops stale cache
// entries when that happens.
package credentials
