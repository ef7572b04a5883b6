/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 26 11:03:50 2019 mstenber
 * Last modified: Tue Feb 26 11:10:12 2019 mstenber
 * Edit time:     4 min
 *
 */

package namesystem

import "github.com/fingon/go-blockmaster/metrics"

// Reporter is the read-only view of a Namesystem handed to metrics
// consumers.
type Reporter struct {
	ns *Namesystem
}

var _ metrics.Source = Reporter{}

func (self *Namesystem) Reporter() Reporter {
	return Reporter{ns: self}
}

func (self Reporter) Snapshot() metrics.Snapshot {
	return self.ns.GetStats()
}
