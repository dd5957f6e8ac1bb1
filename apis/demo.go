// Copyright 2025-2026 The FedIds Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fedids/realtime/broker"
	"github.com/fedids/realtime/common"
	"github.com/fedids/realtime/feeds"
)

// demoOrigin a synthetic attack origin
type demoOrigin struct {
	city      string
	country   string
	latitude  float64
	longitude float64
}

var demoOrigins = []demoOrigin{
	{"Paris", "France", 48.8566, 2.3522},
	{"Frankfurt", "Germany", 50.1109, 8.6821},
	{"Sao Paulo", "Brazil", -23.5505, -46.6333},
	{"Singapore", "Singapore", 1.3521, 103.8198},
	{"Ashburn", "United States", 39.0438, -77.4874},
	{"Tunis", "Tunisia", 36.8065, 10.1815},
}

var demoAttackTypes = []string{"DoS", "DDoS", "PortScan", "BruteForce", "Botnet", "WebAttack"}

// FeedDemo publishes synthetic attacks and FL round results at a fixed interval
type FeedDemo interface {
	// Start begin publishing
	Start(interval time.Duration) error
	// Stop stop publishing
	Stop() error
	// Tick publish one attack and one FL round result
	Tick(ctxt context.Context) error
}

// feedDemoImpl implements FeedDemo
type feedDemoImpl struct {
	common.Component
	publisher broker.Publisher
	timer     common.IntervalTimer
	rootCtxt  context.Context
	lock      sync.Mutex
	rng       *rand.Rand
	round     int
	attackID  int64
}

// GetFeedDemo define a new FeedDemo
func GetFeedDemo(
	rootCtxt context.Context, wg *sync.WaitGroup, publisher broker.Publisher, seed int64,
) (FeedDemo, error) {
	if publisher == nil {
		return nil, fmt.Errorf("no publisher given")
	}
	timer, err := common.GetIntervalTimerInstance(rootCtxt, wg, "feed-demo")
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "apis", "component": "feed-demo"}
	return &feedDemoImpl{
		Component: common.Component{LogTags: logTags},
		publisher: publisher,
		timer:     timer,
		rootCtxt:  rootCtxt,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// Start begin publishing
func (d *feedDemoImpl) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid demo interval %s", interval)
	}
	log.WithFields(d.LogTags).Infof("Publishing synthetic events every %s", interval)
	return d.timer.Start(interval, func() error {
		ctxt, cancel := context.WithTimeout(d.rootCtxt, interval)
		defer cancel()
		return d.Tick(ctxt)
	}, false)
}

// Stop stop publishing
func (d *feedDemoImpl) Stop() error {
	return d.timer.Stop()
}

// nextEvents generate the next synthetic attack and round result
func (d *feedDemoImpl) nextEvents(now time.Time) (feeds.AttackEvent, feeds.FLStatus) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.round++
	d.attackID++
	origin := demoOrigins[d.rng.Intn(len(demoOrigins))]
	city := origin.city
	country := origin.country
	lat := origin.latitude
	lon := origin.longitude
	attack := feeds.AttackEvent{
		ID:         d.attackID,
		Timestamp:  now.UTC().Format(AttackTimestampFormat),
		SourceIP:   fmt.Sprintf("10.%d.%d.%d", d.rng.Intn(256), d.rng.Intn(256), 1+d.rng.Intn(254)),
		AttackType: demoAttackTypes[d.rng.Intn(len(demoAttackTypes))],
		Confidence: math.Round((0.5+d.rng.Float64()*0.5)*1000) / 1000,
		Latitude:   &lat,
		Longitude:  &lon,
		City:       &city,
		Country:    &country,
	}
	// Accuracy climbs towards 0.98 as rounds complete
	accuracy := 0.98 - 0.4*math.Exp(-float64(d.round)/5)
	loss := math.Max(0.02, 1.2*math.Exp(-float64(d.round)/4))
	status := feeds.FLStatus{
		ServerRound: d.round,
		Accuracy:    math.Round(accuracy*10000) / 10000,
		Loss:        &loss,
	}
	return attack, status
}

// Tick publish one attack and one FL round result
func (d *feedDemoImpl) Tick(ctxt context.Context) error {
	attack, status := d.nextEvents(time.Now())
	for channel, payload := range map[string]interface{}{
		feeds.AttacksChannel:  attack,
		feeds.FLStatusChannel: status,
	} {
		serialized, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := d.publisher.Publish(ctxt, channel, serialized); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Unable to publish synthetic event on %s", channel)
			return err
		}
	}
	return nil
}
