/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Mar 16 13:56:39 2018 mstenber
 * Last modified: Tue Feb 12 10:15:52 2019 mstenber
 * Edit time:     12 min
 *
 */

package util

import (
	"log"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fingon/go-blockmaster/mlog"
)

// lockedSource makes a rand.Source usable from several goroutines;
// placement runs outside the coordinator lock and shares the rng.
type lockedSource struct {
	lock MutexLocked
	src  rand.Source64
}

func (self *lockedSource) Int63() int64 {
	defer self.lock.Locked()()
	return self.src.Int63()
}

func (self *lockedSource) Uint64() uint64 {
	defer self.lock.Locked()()
	return self.src.Uint64()
}

func (self *lockedSource) Seed(seed int64) {
	defer self.lock.Locked()()
	self.src.Seed(seed)
}

func NewRand(seedvalue int64) *rand.Rand {
	mlog.Printf2("util/random", "NewRand %v", seedvalue)
	source := rand.NewSource(seedvalue).(rand.Source64)
	return rand.New(&lockedSource{src: source})
}

var seedOnce sync.Once

// GetSeededRng returns goroutine-safe rng seeded either from the SEED
// environment variable or the current time.
func GetSeededRng() *rand.Rand {
	seed := os.Getenv("SEED")

	seedvalue := time.Now().UnixNano()
	if seed != "" {
		v, err := strconv.Atoi(seed)
		if err != nil {
			log.Panic(err)
		}
		seedvalue = int64(v)
	}
	seedOnce.Do(func() {
		mlog.Infof("util/random", "Seed: %v (use SEED= to fix)", seedvalue)
	})
	return NewRand(seedvalue)
}
