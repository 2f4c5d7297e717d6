// Package cryptdir encrypts and decrypts files and directory trees with a
// symmetric key derived from a passphrase.
//
// # Overview
//
// A file is encrypted into a sibling file with the ".encrypted" suffix. A
// directory is encrypted into a flat sibling directory: every regular file
// of the tree is stored under an opaque name, and an encrypted file map
// records the original relative path of each one. Decryption reverses both
// and writes to a ".decrypted" sibling.
//
// # Supported Cipher Suites
//
//   - AES-256-CTR: the default, using the full 16-byte IV as counter block
//   - ChaCha20: the first 12 IV bytes are the nonce. One blob is limited to
//     ChaCha20MaxStream bytes of marker and plaintext.
//
// Neither suite authenticates its payload. A four byte all-zero marker
// encrypted ahead of the plaintext detects a wrong key, not tampering.
//
// # Basic Usage
//
//	report, err := cryptdir.RunEncrypt(ctx, []string{"./photos"}, "passphrase", cryptdir.DefaultOptions())
//	if err != nil {
//	    panic(err)
//	}
//	if err := report.Err(); err != nil {
//	    log.Println(err)
//	}
//
// A Runner over any absfs.FileSystem gives finer control:
//
//	enc, _ := cryptdir.NewWithKey("passphrase")
//	runner, _ := cryptdir.NewRunner(fsys, enc, cryptdir.DefaultOptions())
//	plan := runner.Plan(ctx, cryptdir.OpDecrypt, "/data/photos.encrypted")
//	report := runner.Execute(ctx, plan)
//
// # Blob Format
//
// Every encrypted file, including the file map, has the layout:
//   - IV (16 bytes): random per blob
//   - Marker (4 bytes): four zero bytes, encrypted
//   - Ciphertext (variable): the plaintext, encrypted with the same keystream
//
// The marker lets a key be checked by reading the first 20 bytes only. A
// decrypt run checks every file of a directory before writing anything.
//
// # File Map
//
// The file map is a line-oriented text file, one entry per line:
//
//	base64url(path) ":" onDiskName
//
// It is stored inside the encrypted directory under the name derived from
// the reserved key "fileMap". Entries are spilled to a temporary file while
// they are collected, so trees of any size never hold the map in memory.
// A legacy JSON array of [path, onDiskName] pairs is still accepted.
//
// # Security Considerations
//
// Protected Against:
//   - Reading file contents or names at rest without the passphrase
//
// Not Protected Against:
//   - Tampering with ciphertext (no authentication tag)
//   - Offline brute-force of weak passphrases (single SHA-256 round)
//   - Metadata leakage (file count and sizes)
package cryptdir
