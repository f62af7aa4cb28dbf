package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strings"

	"github.com/objectfs/s3cacheproxy/pkg/errors"
	"github.com/objectfs/s3cacheproxy/pkg/types"
)

// MaxKeyLength bounds the combined length of bucket, canonicalized path,
// and version tag to an implementation limit well above any realistic
// object key.
const MaxKeyLength = 2048

// MaxRemoteKeyLength is the downstream limit past which the remote store
// key is replaced by a hash digest.
const MaxRemoteKeyLength = 250

// Canonicalize builds a Key from a bucket, raw object path, and optional
// version tag. It percent-decodes the path, folds "." and ".." segments,
// rejects control bytes, and bounds the total length. An escape past the
// root (a leading "..") is rejected as InvalidKey.
func Canonicalize(bucket, rawPath, versionTag string) (types.Key, error) {
	if bucket == "" {
		return types.Key{}, errors.New(errors.ErrCodeInvalidKey, "empty bucket").
			WithComponent("cache-key")
	}

	decoded, err := url.PathUnescape(rawPath)
	if err != nil {
		return types.Key{}, errors.New(errors.ErrCodeInvalidKey, "malformed percent-encoding").
			WithComponent("cache-key").WithCause(err)
	}

	for _, r := range decoded {
		if r < 0x20 || r == 0x7f {
			return types.Key{}, errors.New(errors.ErrCodeInvalidKey, "control byte in path").
				WithComponent("cache-key")
		}
	}

	// The escape check folds the path relative to the root: path.Clean on
	// a rooted path silently drops a leading "..", which would hide it.
	if rel := path.Clean(strings.TrimLeft(decoded, "/")); rel == ".." || strings.HasPrefix(rel, "../") {
		return types.Key{}, errors.New(errors.ErrCodeInvalidKey, "path escapes root after folding").
			WithComponent("cache-key")
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+decoded), "/")

	if len(bucket)+len(cleaned)+len(versionTag) > MaxKeyLength {
		return types.Key{}, errors.New(errors.ErrCodeInvalidKey, "key exceeds length limit").
			WithComponent("cache-key")
	}

	// Path is kept decoded, not re-encoded: it is passed straight through
	// to the origin backend as the literal object key, and re-encoding it
	// would request the wrong object. Two raw paths differing only in
	// percent-encoding style still canonicalize to the same Key.Path, so
	// cache addressing is unaffected.
	return types.Key{Bucket: bucket, Path: cleaned, VersionTag: versionTag}, nil
}

// HashDigest returns the 32-byte hex SHA-256 digest of the key's stable
// bytes; used as the L2 filename tail and, when the stable form exceeds
// MaxRemoteKeyLength, the L3 remote-key tail.
func HashDigest(key types.Key) string {
	sum := sha256.Sum256(key.StableBytes())
	return hex.EncodeToString(sum[:])
}
