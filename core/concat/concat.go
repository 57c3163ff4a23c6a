// Package concat joins the per-window, per-feeder dispatch tables of a grid
// into one table per parameter.
package concat

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/logger"
	"github.com/kilianp07/gridflex/pkg/frame"
)

var filePattern = regexp.MustCompile(`^(?P<param>.+)_(?P<grid>[^_-]+)-(?P<feeder>\d+)_iteration_(?P<k>\d+)\.csv$`)

// Part is one per-window table found on disk.
type Part struct {
	Path   string
	Param  string
	Grid   string
	Feeder string
	K      int
}

// Parse matches a file name against the per-window naming scheme.
func Parse(name string) (Part, bool) {
	m := filePattern.FindStringSubmatch(name)
	if m == nil {
		return Part{}, false
	}
	k, err := strconv.Atoi(m[filePattern.SubexpIndex("k")])
	if err != nil {
		return Part{}, false
	}
	return Part{
		Param:  m[filePattern.SubexpIndex("param")],
		Grid:   m[filePattern.SubexpIndex("grid")],
		Feeder: m[filePattern.SubexpIndex("feeder")],
		K:      k,
	}, true
}

// Key groups parts.
type Key struct {
	Grid  string
	Param string
}

// Scan walks root and groups every matching file by (grid, param). Parts of a
// group are ordered by feeder then window.
func Scan(root string) (map[Key][]Part, error) {
	groups := map[Key][]Part{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		p, ok := Parse(d.Name())
		if !ok {
			return nil
		}
		p.Path = path
		k := Key{Grid: p.Grid, Param: p.Param}
		groups[k] = append(groups[k], p)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.Wrap(errs.IOMissing, "concat.Scan", err)
		}
		return nil, err
	}
	for k := range groups {
		parts := groups[k]
		sort.Slice(parts, func(i, j int) bool {
			if parts[i].Feeder != parts[j].Feeder {
				return parts[i].Feeder < parts[j].Feeder
			}
			return parts[i].K < parts[j].K
		})
	}
	return groups, nil
}

// Concatenator merges the groups found by Scan.
type Concatenator struct {
	Fill   float64
	Logger logger.Logger
}

// Group merges the parts of one group. Rows come out in ascending time
// order and columns sorted by name; cells no part wrote get c.Fill.
func (c Concatenator) Group(k Key, parts []Part) (frame.Frame, error) {
	frames := make([]frame.Frame, 0, len(parts))
	for _, p := range parts {
		f, err := frame.ReadFile(p.Path)
		if err != nil {
			return frame.Frame{}, fmt.Errorf("%s: %w", p.Path, err)
		}
		frames = append(frames, f)
	}
	out, filled := frame.Merge(c.Fill, frames...)
	if filled > 0 {
		logger.OrNop(c.Logger).Warnw("missing cells filled", map[string]any{
			"grid": k.Grid, "param": k.Param, "cells": filled, "fill_value": c.Fill,
		})
	}
	return out, nil
}

// FileName is the output name of a group.
func FileName(k Key) string { return k.Grid + "_" + k.Param + ".csv" }

// Run scans src, merges every group and writes one CSV per group to dst. It
// returns the written paths in lexical order.
func (c Concatenator) Run(src, dst string) ([]string, error) {
	groups, err := Scan(src)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return FileName(keys[i]) < FileName(keys[j]) })
	var paths []string
	for _, k := range keys {
		f, err := c.Group(k, groups[k])
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dst, FileName(k))
		if err := frame.WriteFile(path, f, frame.Half); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
