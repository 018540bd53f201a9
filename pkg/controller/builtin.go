// Copyright 2024 The k8s-netem Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	netemv1alpha1 "github.com/ERIGrid2/k8s-netem/pkg/apis/netem/v1alpha1"
	"github.com/ERIGrid2/k8s-netem/pkg/emitter"
	"github.com/ERIGrid2/k8s-netem/pkg/errkind"
)

// BuiltinKind is the Type() of a BuiltinController and the TrafficProfile
// "type" string that selects it.
const BuiltinKind = "Builtin"

// initialBands is the number of bands (beyond the 3 always reserved: 0,
// 1, 2) the root prio qdisc reserves at creation time.
const initialBands = 8

// bandsExtra is how many bands the pool grows by when exhausted.
const bandsExtra = 8

// BuiltinController drives the local kernel's prio/netem queueing tree
// on one interface, per §4.6.
type BuiltinController struct {
	iface   string
	emit    *emitter.Emitter
	logger  log.Logger
	metrics *Metrics

	marks *MarkCounter

	mu         sync.Mutex
	prioBands  int // number of non-reserved bands currently in the root qdisc
	bandsAvail map[int]bool
	profiles   map[string]Profile
}

// NewBuiltinController installs the initial prio qdisc with
// initialBands+3 bands and returns a ready-to-use controller. marks is
// the process-scope counter this controller draws marks from; callers
// share one MarkCounter across every Controller they construct.
func NewBuiltinController(ctx context.Context, iface string, emit *emitter.Emitter, logger log.Logger, metrics *Metrics, marks *MarkCounter) (*BuiltinController, error) {
	c := &BuiltinController{
		iface:      iface,
		emit:       emit,
		logger:     logger,
		metrics:    metrics,
		marks:      marks,
		bandsAvail: map[int]bool{},
		profiles:   map[string]Profile{},
	}

	if err := c.setupPrio(ctx, true, initialBands); err != nil {
		return nil, errkind.Wrap(errkind.KindUnrecoverable, errors.Wrap(err, "creating root prio qdisc"))
	}
	return c, nil
}

// BuiltinConstructor adapts NewBuiltinController to the Constructor
// signature for registration in a Registry.
func BuiltinConstructor(emit *emitter.Emitter, logger log.Logger, marks *MarkCounter) Constructor {
	return func(ctx context.Context, iface string, metrics *Metrics) (Controller, error) {
		return NewBuiltinController(ctx, iface, emit, logger, metrics, marks)
	}
}

func (c *BuiltinController) Type() string { return BuiltinKind }

func (c *BuiltinController) GetMark() int { return c.marks.Next() }

func (c *BuiltinController) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.profiles) == 0
}

func (c *BuiltinController) setupPrio(ctx context.Context, initial bool, extra int) error {
	c.mu.Lock()
	c.prioBands += extra
	bands := c.prioBands

	op := "change"
	if initial {
		op = "add"
	}
	c.mu.Unlock()

	if initial {
		// Best-effort: clear any stale root qdisc left by a prior process.
		_ = c.emit.EmitTC(ctx, emitter.TCCommand{"qdisc", "delete", "dev", c.iface, "root"})
	}

	level.Info(c.logger).Log("msg", "configuring prio qdisc", "interface", c.iface, "bands", bands+3, "op", op)

	if err := c.emit.EmitTC(ctx, emitter.TCCommand{
		"qdisc", op, "dev", c.iface, "root", "handle", "1:", "prio", "bands", fmt.Sprintf("%d", bands+3),
	}); err != nil {
		return err
	}

	c.mu.Lock()
	lo := bands - extra + 3
	for b := lo; b < bands+3; b++ {
		c.bandsAvail[b] = true
	}
	if c.metrics != nil {
		c.metrics.BandsAvailable.Set(float64(len(c.bandsAvail)))
	}
	c.mu.Unlock()

	return nil
}

func (c *BuiltinController) popBand() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.bandsAvail) == 0 {
		return 0, false
	}

	bands := make([]int, 0, len(c.bandsAvail))
	for b := range c.bandsAvail {
		bands = append(bands, b)
	}
	sort.Ints(bands)
	b := bands[0]
	delete(c.bandsAvail, b)
	if c.metrics != nil {
		c.metrics.BandsAvailable.Set(float64(len(c.bandsAvail)))
	}
	return b, true
}

func (c *BuiltinController) pushBand(b int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bandsAvail[b] = true
	if c.metrics != nil {
		c.metrics.BandsAvailable.Set(float64(len(c.bandsAvail)))
	}
}

// AddProfile pops a band, installs the classifying filter and the leaf
// netem qdisc, growing the pool first if exhausted.
func (c *BuiltinController) AddProfile(ctx context.Context, p Profile) error {
	c.mu.Lock()
	if _, ok := c.profiles[p.UID()]; ok {
		c.mu.Unlock()
		return errkind.Wrap(errkind.KindConflict, errors.Errorf("profile %s already attached", p.UID()))
	}
	c.profiles[p.UID()] = p
	n := len(c.profiles)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveProfiles.Set(float64(n))
	}

	band, ok := c.popBand()
	if !ok {
		if err := c.setupPrio(ctx, false, bandsExtra); err != nil {
			return errors.Wrap(err, "growing prio qdisc pool")
		}
		band, ok = c.popBand()
		if !ok {
			return errors.New("band pool still exhausted after resize")
		}
	}

	return c.attach(ctx, p, band)
}

func (c *BuiltinController) attach(ctx context.Context, p Profile, band int) error {
	p.SetBand(band)

	parent := fmt.Sprintf("1:%d", band)
	handle := fmt.Sprintf("%d:", 1000+band)

	if err := c.emit.EmitTC(ctx, emitter.TCCommand{
		"filter", "add", "dev", c.iface, "prio", fmt.Sprintf("%d", band),
		"handle", fmt.Sprintf("%d", p.Mark()), "fw", "flowid", parent,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	if c.metrics != nil {
		c.metrics.BandsInUse.Set(float64(len(c.profiles)))
	}
	c.mu.Unlock()

	netem, ok := netemOf(p)
	if !ok {
		return nil
	}
	return c.applyNetem(ctx, parent, handle, "add", netem)
}

// UpdateProfile re-issues the leaf qdisc with change semantics, unless
// the profile was not yet attached (band < 0), in which case it behaves
// like AddProfile.
func (c *BuiltinController) UpdateProfile(ctx context.Context, p Profile) error {
	if p.Band() < 0 {
		return c.AddProfile(ctx, p)
	}

	parent := fmt.Sprintf("1:%d", p.Band())
	handle := fmt.Sprintf("%d:", 1000+p.Band())

	netem, ok := netemOf(p)
	if !ok {
		return nil
	}
	return c.applyNetem(ctx, parent, handle, "change", netem)
}

// RemoveProfile deletes the filter and leaf qdisc and returns the band
// to the pool.
func (c *BuiltinController) RemoveProfile(ctx context.Context, p Profile) error {
	c.mu.Lock()
	delete(c.profiles, p.UID())
	n := len(c.profiles)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveProfiles.Set(float64(n))
	}

	if p.Band() < 0 {
		level.Warn(c.logger).Log("msg", "profile has no band, skipping tc removal", "uid", p.UID())
		return nil
	}

	parent := fmt.Sprintf("1:%d", p.Band())
	handle := fmt.Sprintf("%d:", 1000+p.Band())

	if err := c.emit.EmitTC(ctx,
		emitter.TCCommand{"filter", "delete", "dev", c.iface, "parent", "1:", "prio", fmt.Sprintf("%d", p.Band()), "handle", fmt.Sprintf("%d", p.Mark()), "fw"},
		emitter.TCCommand{"qdisc", "delete", "dev", c.iface, "parent", parent, "handle", handle},
	); err != nil {
		return err
	}

	c.pushBand(p.Band())
	p.SetBand(-1)
	return nil
}

// Deinit tears down the entire queueing tree.
func (c *BuiltinController) Deinit(ctx context.Context) error {
	return c.emit.EmitTC(ctx, emitter.TCCommand{"qdisc", "delete", "dev", c.iface, "root"})
}

func netemOf(p Profile) (*netemv1alpha1.NetemParameters, bool) {
	params := p.Parameters()
	if params == nil {
		return nil, false
	}
	raw, ok := params["netem"]
	if !ok {
		return nil, false
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, false
	}
	spec := netemv1alpha1.TrafficProfileSpec{Parameters: map[string]interface{}{"netem": m}}
	return spec.Netem()
}

// applyNetem builds and emits the `tc qdisc <op> ... netem ...` command,
// preserving the keyword order mandated by §4.6: limit, loss, duplicate,
// delay jitter correlation distribution reorder, rate, slot.
func (c *BuiltinController) applyNetem(ctx context.Context, parent, handle, op string, n *netemv1alpha1.NetemParameters) error {
	limit := n.Limit
	if limit == 0 {
		limit = 20000
	}

	cmd := emitter.TCCommand{"qdisc", op, "dev", c.iface, "parent", parent, "handle", handle, "netem", "limit", fmt.Sprintf("%d", limit)}

	if n.LossRatio > 0 {
		cmd = append(cmd, "loss", "random", pct(n.LossRatio))
		if n.LossCorrelation > 0 {
			cmd = append(cmd, pct(n.LossCorrelation))
		}
	}

	if n.DuplicationRatio > 0 {
		cmd = append(cmd, "duplicate", pct(n.DuplicationRatio))
		if n.DuplicationCorrelation > 0 {
			cmd = append(cmd, pct(n.DuplicationCorrelation))
		}
	}

	if n.Delay > 0 {
		cmd = append(cmd, "delay", ms(n.Delay))
		if n.Jitter > 0 {
			cmd = append(cmd, ms(n.Jitter))
			if n.DelayJitterCorrelation > 0 {
				cmd = append(cmd, pct(n.DelayJitterCorrelation))
			}
		}

		if n.Distribution != "" && n.Distribution != "normal" {
			cmd = append(cmd, "distribution", n.Distribution)
		}

		if n.ReorderRatio > 0 {
			cmd = append(cmd, "reorder", pct(n.ReorderRatio))
			if n.ReorderCorrelation > 0 {
				cmd = append(cmd, pct(n.ReorderCorrelation))
			}
			if n.ReorderGap > 0 {
				cmd = append(cmd, "gap", fmt.Sprintf("%d", n.ReorderGap))
			}
		}
	}

	if n.Rate > 0 {
		cmd = append(cmd, "rate", fmt.Sprintf("%dkbit", n.Rate))
		if n.RatePacketOverhead != 0 {
			cmd = append(cmd, fmt.Sprintf("%d", n.RatePacketOverhead))
			if n.RateCellSize > 0 {
				cmd = append(cmd, fmt.Sprintf("%d", n.RateCellSize))
				if n.RateCellOverhead > 0 {
					cmd = append(cmd, fmt.Sprintf("%d", n.RateCellOverhead))
				}
			}
		}
	}

	if n.SlotMinDelay > 0 || (n.SlotDelay > 0 && n.SlotJitter > 0) {
		cmd = append(cmd, "slot")
		if n.SlotMinDelay > 0 {
			cmd = append(cmd, ms(n.SlotMinDelay))
			if n.SlotMaxDelay > 0 {
				cmd = append(cmd, ms(n.SlotMaxDelay))
			}
		} else {
			dist := n.SlotDistribution
			if dist == "" {
				dist = "normal"
			}
			cmd = append(cmd, "distribution", dist, ms(n.SlotDelay), ms(n.SlotJitter))
		}

		if n.SlotPackets > 0 {
			cmd = append(cmd, "packets", fmt.Sprintf("%d", n.SlotPackets))
		}
		if n.SlotBytes > 0 {
			cmd = append(cmd, "bytes", fmt.Sprintf("%d", n.SlotBytes))
		}
	}

	return c.emit.EmitTC(ctx, cmd)
}

func pct(ratio float64) string { return fmt.Sprintf("%d%%", int(ratio*1e2)) }
func ms(seconds float64) string { return fmt.Sprintf("%dms", int(seconds*1e3)) }
