// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package geo resolves public IP addresses to {country, city, ASN}
// using memory-mapped MaxMind-format databases — a City database and a
// separate ASN database, each opened and queried through
// oschwald/geoip2-golang's typed readers.
package geo

import (
	"context"
	"net/netip"
	"path/filepath"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/oschwald/geoip2-golang"
	"golang.org/x/sync/singleflight"

	"github.com/netinsight-io/sensor/internal/obs"
)

// Result is the enrichment this lookup contributes to a Flow.
type Result struct {
	Country string
	City    string
	ASN     uint32
}

// Lookup resolves addresses against memory-mapped geo databases: a
// City database for country/city, and a separate ASN database — the
// two are distinct MaxMind product lines, so geoip2-golang's ASN
// reader is opened against its own file. An absent file is non-fatal:
// every lookup returns an empty Result for whichever half is missing.
type Lookup struct {
	path    string
	asnPath string

	mu        sync.RWMutex
	reader    *geoip2.Reader
	asnReader *geoip2.Reader

	cache   *haxmap.Map[string, Result]
	flight  singleflight.Group
	watcher *fsnotify.Watcher
}

// New constructs a Lookup and attempts an initial open of both
// databases; a missing file is not an error. asnPath may be empty, in
// which case Result.ASN is always 0.
func New(path string, asnPath string) *Lookup {
	l := &Lookup{
		path:    path,
		asnPath: asnPath,
		cache:   haxmap.New[string, Result](),
	}
	l.tryOpen()
	l.tryOpenASN()
	return l
}

func (l *Lookup) tryOpen() {
	fl := flock.New(l.path + ".lock")
	locked, err := fl.TryRLock()
	if err == nil && locked {
		defer fl.Unlock()
	}

	r, err := geoip2.Open(l.path)
	if err != nil {
		obs.Named("geo").Sugar().Infow("geo database unavailable, lookups will be empty",
			"path", l.path, "error", err)
		return
	}

	l.mu.Lock()
	old := l.reader
	l.reader = r
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

func (l *Lookup) tryOpenASN() {
	if l.asnPath == "" {
		return
	}

	fl := flock.New(l.asnPath + ".lock")
	locked, err := fl.TryRLock()
	if err == nil && locked {
		defer fl.Unlock()
	}

	r, err := geoip2.Open(l.asnPath)
	if err != nil {
		obs.Named("geo").Sugar().Infow("ASN database unavailable, ASN will be 0",
			"path", l.asnPath, "error", err)
		return
	}

	l.mu.Lock()
	old := l.asnReader
	l.asnReader = r
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// WatchForUpdates watches the database's directory and reloads the mmap
// whenever the configured file is (re)written, e.g. by an external geo
// database updater. Safe to call once; returns immediately if the
// directory cannot be watched (not fatal).
func (l *Lookup) WatchForUpdates(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}

	dirs := map[string]bool{filepath.Dir(l.path): true}
	if l.asnPath != "" {
		dirs[filepath.Dir(l.asnPath)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return
		}
	}
	l.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				name := filepath.Clean(ev.Name)
				reloaded := false
				if name == filepath.Clean(l.path) {
					l.tryOpen()
					reloaded = true
				}
				if l.asnPath != "" && name == filepath.Clean(l.asnPath) {
					l.tryOpenASN()
					reloaded = true
				}
				if reloaded {
					l.cache.ForEach(func(a string, _ Result) bool {
						l.cache.Del(a)
						return true
					})
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Resolve returns the geolocation for addr, or an empty Result for
// private/link-local/loopback addresses or when the database is
// unavailable.
func (l *Lookup) Resolve(addr netip.Addr) Result {
	if !addr.IsValid() || isNonRoutable(addr) {
		return Result{}
	}

	key := addr.String()
	if cached, ok := l.cache.Get(key); ok {
		return cached
	}

	v, _, _ := l.flight.Do(key, func() (interface{}, error) {
		res := l.lookup(addr)
		l.cache.Set(key, res)
		return res, nil
	})
	return v.(Result)
}

func (l *Lookup) lookup(addr netip.Addr) Result {
	l.mu.RLock()
	r := l.reader
	asnR := l.asnReader
	l.mu.RUnlock()

	var res Result
	if r != nil {
		if city, err := r.City(addr.AsSlice()); err == nil {
			res.Country = city.Country.IsoCode
			if len(city.City.Names) > 0 {
				res.City = city.City.Names["en"]
			}
		}
	}
	if asnR != nil {
		if asn, err := asnR.ASN(addr.AsSlice()); err == nil {
			res.ASN = uint32(asn.AutonomousSystemNumber)
		}
	}
	return res
}

func isNonRoutable(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsMulticast()
}

// Close releases the underlying mmaps and stops the watcher.
func (l *Lookup) Close() error {
	if l.watcher != nil {
		l.watcher.Close()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.reader != nil {
		err = l.reader.Close()
	}
	if l.asnReader != nil {
		if asnErr := l.asnReader.Close(); err == nil {
			err = asnErr
		}
	}
	return err
}
