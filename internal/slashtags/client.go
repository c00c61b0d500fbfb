// Package slashtags publishes and resolves profile documents stored in
// drives.
package slashtags

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/slashprofile/internal/drive"
	"github.com/kalambet/slashprofile/internal/profile"
)

// Client reads and writes the profile document of a drive. Writes are
// validated before any bytes reach the drive; reads never fail on bad
// content, they return nil instead.
type Client struct {
	drive  drive.Drive
	codec  *profile.Codec
	logger *slog.Logger
}

// New returns a Client over d. A nil codec means profile.DefaultCodec().
func New(d drive.Drive, codec *profile.Codec) *Client {
	if codec == nil {
		codec = profile.DefaultCodec()
	}
	return &Client{
		drive:  d,
		codec:  codec,
		logger: slog.Default().With("drive", d.Key()),
	}
}

// Key is the key of the underlying drive.
func (c *Client) Key() string { return c.drive.Key() }

// URL addresses this client's drive, e.g. "slash:<key>".
func (c *Client) URL() string { return drive.FormatURL(c.drive.Key(), "") }

// Validate checks p against the profile schema without writing it.
func (c *Client) Validate(p any) error {
	return c.codec.Validate(p)
}

// Create publishes p. It behaves exactly like Update.
func (c *Client) Create(ctx context.Context, p any) error {
	return c.Update(ctx, p)
}

// Update validates p and replaces the stored profile with it. Invalid
// input yields a *profile.ValidationError and nothing is written.
func (c *Client) Update(ctx context.Context, p any) error {
	if err := c.codec.Validate(p); err != nil {
		return err
	}
	data, err := c.codec.Encode(p)
	if err != nil {
		return err
	}
	if err := c.drive.Put(ctx, profile.Path, data); err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}
	c.logger.Debug("profile written", "bytes", len(data))
	return nil
}

// Read returns this drive's profile, or nil if there is none.
func (c *Client) Read(ctx context.Context) (*profile.Profile, error) {
	data, err := c.drive.Get(ctx, "", profile.Path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	return profile.DecodeProfile(data), nil
}

// ReadURL returns the profile of the drive addressed by url, or nil if
// there is none.
func (c *Client) ReadURL(ctx context.Context, url string) (*profile.Profile, error) {
	data, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	return profile.DecodeProfile(data), nil
}

// ReadRaw returns the stored document at url exactly as decoded, without
// schema checks. An empty url means this drive.
func (c *Client) ReadRaw(ctx context.Context, url string) (any, error) {
	data, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	return profile.Decode(data), nil
}

// Delete removes the stored profile.
func (c *Client) Delete(ctx context.Context) error {
	if err := c.drive.Delete(ctx, profile.Path); err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	c.logger.Debug("profile deleted")
	return nil
}

// Subscribe calls fn with the new and previous profile every time the
// profile at url changes. cur is nil after a delete. An empty url watches
// this drive. The returned func stops the subscription.
func (c *Client) Subscribe(ctx context.Context, url string, fn func(cur, prev *profile.Profile)) (func(), error) {
	key, path, err := c.resolve(url)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		prev  *profile.Profile
		ready = make(chan struct{})
	)
	// fn waits for prev to be seeded from the value the drive started
	// watching from.
	initial, unsubscribe, err := c.drive.Subscribe(ctx, key, path, func(data []byte) {
		<-ready
		cur := profile.DecodeProfile(data)
		mu.Lock()
		old := prev
		prev = cur
		mu.Unlock()
		fn(cur, old)
	})
	if err != nil {
		close(ready)
		return nil, fmt.Errorf("subscribing to profile: %w", err)
	}
	mu.Lock()
	prev = profile.DecodeProfile(initial)
	mu.Unlock()
	close(ready)
	return unsubscribe, nil
}

// Close closes the underlying drive.
func (c *Client) Close() error {
	return c.drive.Close()
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	key, path, err := c.resolve(url)
	if err != nil {
		return nil, err
	}
	data, err := c.drive.Get(ctx, key, path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", drive.FormatURL(key, path), err)
	}
	return data, nil
}

// resolve maps a profile URL to a drive key and path. URLs without a path
// point at the profile document of that drive.
func (c *Client) resolve(url string) (key, path string, err error) {
	if url == "" {
		return c.drive.Key(), profile.Path, nil
	}
	key, path, err = drive.ParseURL(url)
	if err != nil {
		return "", "", err
	}
	if path == "" || path == "/" {
		path = profile.Path
	}
	return key, path, nil
}
