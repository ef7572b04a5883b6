/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 19 14:40:00 2019 mstenber
 * Last modified: Tue Feb 19 14:44:21 2019 mstenber
 * Edit time:     4 min
 *
 */

package replica

import "fmt"

// NumberReplicas classifies the replicas of one block.
type NumberReplicas struct {
	Live, Decommissioned, Corrupt, Excess int
}

func (self NumberReplicas) String() string {
	return fmt.Sprintf("live:%d decommissioned:%d corrupt:%d excess:%d",
		self.Live, self.Decommissioned, self.Corrupt, self.Excess)
}
