package ummapio

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/hupe1980/ummapio/blobstore"
	miniostore "github.com/hupe1980/ummapio/blobstore/minio"
	s3store "github.com/hupe1980/ummapio/blobstore/s3"
	"github.com/hupe1980/ummapio/driver"
	"github.com/hupe1980/ummapio/driver/object"
	"github.com/hupe1980/ummapio/internal/fs"
	"github.com/hupe1980/ummapio/mapping"
	"github.com/hupe1980/ummapio/policy"
)

var variablePattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// SetVariable defines the value {name} expands to in driver and policy
// URIs.
func (h *Handler) SetVariable(name, value string) {
	h.varsMu.Lock()
	defer h.varsMu.Unlock()
	h.vars[name] = value
}

// Variable returns the value of name.
func (h *Handler) Variable(name string) (string, bool) {
	h.varsMu.RLock()
	defer h.varsMu.RUnlock()
	v, ok := h.vars[name]
	return v, ok
}

// Expand replaces every {name} in s with its variable. An undefined
// variable is an error.
func (h *Handler) Expand(s string) (string, error) {
	var missing []string
	out := variablePattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := h.Variable(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", uriError(s, "undefined variables %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func (h *Handler) parseURI(uri string) (*url.URL, error) {
	expanded, err := h.Expand(uri)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(expanded)
	if err != nil {
		return nil, &URIError{URI: uri, cause: fmt.Errorf("%w: %w", ErrInvalidURI, err)}
	}
	return u, nil
}

// BuildDriver creates a driver from a URI. Supported forms:
//
//	mem://8MB                         in-memory buffer
//	dummy://7                         constant bytes, writes dropped
//	file:///path?mode=rw              positional file I/O (mode ro or rw)
//	mmap:///path                      direct file mapping
//	dir:///path?chunk=1MB&codec=lz4   chunk objects in a local directory
//	s3://bucket/prefix?chunk=1MB&codec=zstd&cache=64MB&leases=table
//	s3://bucket/prefix?diskcache=/var/cache/chunks&disksize=10GB
//	minio://endpoint/bucket/prefix?secure=true
//
// {name} is replaced by the variable set with SetVariable.
func (h *Handler) BuildDriver(ctx context.Context, uri string) (driver.Driver, error) {
	u, err := h.parseURI(uri)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "mem":
		size, err := ParseSize(u.Host)
		if err != nil {
			return nil, &URIError{URI: uri, cause: err}
		}
		return driver.NewMemory(int(size)), nil
	case "dummy":
		v, err := strconv.ParseUint(u.Host, 0, 8)
		if err != nil {
			return nil, uriError(uri, "fill value %q", u.Host)
		}
		return driver.NewDummy(byte(v)), nil
	case "file":
		flag := os.O_RDWR | os.O_CREATE
		switch mode := u.Query().Get("mode"); mode {
		case "", "rw":
		case "ro":
			flag = os.O_RDONLY
		default:
			return nil, uriError(uri, "mode %q", mode)
		}
		d, err := driver.OpenFile(fs.Default, filePath(u), flag, 0o644)
		if err != nil {
			return nil, &URIError{URI: uri, cause: err}
		}
		return d, nil
	case "mmap":
		f, err := os.OpenFile(filePath(u), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, &URIError{URI: uri, cause: err}
		}
		return driver.NewMmap(f), nil
	case "dir":
		return h.objectDriver(ctx, uri, u, blobstore.NewLocalStore(filePath(u)))
	case "s3":
		if u.Host == "" {
			return nil, uriError(uri, "missing bucket")
		}
		store, err := s3store.New(ctx, u.Host, strings.Trim(u.Path, "/"))
		if err != nil {
			return nil, &URIError{URI: uri, cause: err}
		}
		return h.objectDriver(ctx, uri, u, store)
	case "minio":
		bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
		if u.Host == "" || bucket == "" {
			return nil, uriError(uri, "want minio://endpoint/bucket[/prefix]")
		}
		secure := u.Query().Get("secure") == "true"
		store, err := miniostore.New(u.Host, bucket, prefix, secure)
		if err != nil {
			return nil, &URIError{URI: uri, cause: err}
		}
		return h.objectDriver(ctx, uri, u, store)
	default:
		return nil, uriError(uri, "unknown driver scheme %q", u.Scheme)
	}
}

func filePath(u *url.URL) string {
	return u.Host + u.Path
}

// objectDriver reads the chunk options shared by the object store schemes.
func (h *Handler) objectDriver(ctx context.Context, uri string, u *url.URL, store blobstore.BlobStore) (driver.Driver, error) {
	q := u.Query()
	opts := []object.Option{object.WithLogger(h.logger.Logger)}

	if v := q.Get("chunk"); v != "" {
		n, err := ParseSize(v)
		if err != nil {
			return nil, &URIError{URI: uri, cause: err}
		}
		opts = append(opts, object.WithChunkSize(n))
	}
	if v := q.Get("codec"); v != "" {
		c, err := object.ParseCodec(v)
		if err != nil {
			return nil, &URIError{URI: uri, cause: err}
		}
		opts = append(opts, object.WithCodec(c))
	}
	if v := q.Get("cache"); v != "" {
		n, err := ParseSize(v)
		if err != nil {
			return nil, &URIError{URI: uri, cause: err}
		}
		opts = append(opts, object.WithCacheSize(n))
	}
	if v := q.Get("prefix"); v != "" {
		opts = append(opts, object.WithPrefix(v))
	}
	if dir := q.Get("diskcache"); dir != "" {
		n := int64(1 << 30)
		if v := q.Get("disksize"); v != "" {
			var err error
			if n, err = ParseSize(v); err != nil {
				return nil, &URIError{URI: uri, cause: err}
			}
		}
		opts = append(opts, object.WithDiskCache(dir, n))
	}
	if table := q.Get("leases"); table != "" {
		if u.Scheme != "s3" {
			return nil, uriError(uri, "leases need the s3 scheme")
		}
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, &URIError{URI: uri, cause: err}
		}
		opts = append(opts, object.WithLeaser(s3store.NewLeaseStore(dynamodb.NewFromConfig(cfg), table)))
	}

	d, err := object.New(store, opts...)
	if err != nil {
		return nil, &URIError{URI: uri, cause: err}
	}
	return d, nil
}

// BuildPolicy creates a policy from a URI. Supported forms:
//
//	fifo://4MB
//	lifo://4MB
//	fifowin://8MB?sliding=1MB
//	none://
//
// ?local=true builds a policy for a single mapping. none:// returns a nil
// policy.
func (h *Handler) BuildPolicy(uri string) (policy.Policy, error) {
	u, err := h.parseURI(uri)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "none" {
		return nil, nil
	}

	size, err := ParseSize(u.Host)
	if err != nil {
		return nil, &URIError{URI: uri, cause: err}
	}
	local := u.Query().Get("local") == "true"

	switch u.Scheme {
	case "fifo":
		return policy.NewFifo(size, local), nil
	case "lifo":
		return policy.NewLifo(size, local), nil
	case "fifowin":
		v := u.Query().Get("sliding")
		if v == "" {
			return nil, uriError(uri, "missing sliding window")
		}
		sliding, err := ParseSize(v)
		if err != nil {
			return nil, &URIError{URI: uri, cause: err}
		}
		p, err := policy.NewFifoWindow(size, sliding, local)
		if err != nil {
			return nil, &URIError{URI: uri, cause: err}
		}
		return p, nil
	default:
		return nil, uriError(uri, "unknown policy scheme %q", u.Scheme)
	}
}

// MapURI builds the driver named by driverURI and maps it. The mapping
// owns the driver.
func (h *Handler) MapURI(ctx context.Context, size, segmentSize int64, driverURI string, opts ...MapOption) (*mapping.Mapping, error) {
	d, err := h.BuildDriver(ctx, driverURI)
	if err != nil {
		return nil, err
	}
	m, err := h.Map(size, segmentSize, d, append(opts, WithAutoCloseDriver(true))...)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return m, nil
}
