// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package sysmem

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"

	logger "github.com/containers/nri-sysmem/pkg/log"
)

var (
	log     = logger.Get("sysmem")
	details = logger.Get("sysmem-details")
)

// dumpTree logs the tree of a collection. It logs at info level if any
// node asked for verbose logging, otherwise through the details source.
func (lc *LogicalCollection) dumpTree(context ...interface{}) {
	verbose := lc.verbose()
	if !verbose && !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)
	logf := details.Debug
	if verbose {
		logf = log.Info
	}

	logf("%scollection #%d (%s):", prefix, lc.id, lc.State())

	var dump func(n *node, indent string)
	dump = func(n *node, indent string) {
		flags := []string{}
		if n.attached {
			flags = append(flags, "attached")
		}
		if n.dispensable {
			flags = append(flags, "dispensable")
		}
		if n.weak {
			flags = append(flags, "weak")
		}
		if n.weakOk {
			flags = append(flags, "weak-ok")
		}
		if n.released {
			flags = append(flags, "released")
		}
		if n.closed {
			flags = append(flags, "closed")
		}
		if n.isReady() {
			flags = append(flags, "ready")
		}
		logf("%s%s- %s rights %s [%s]", prefix, indent, n, n.rights, strings.Join(flags, ","))
		if n.clientName != "" {
			logf("%s%s    client %s, id %d", prefix, indent, n.clientName, n.clientID)
		}
		if n.constraints != nil {
			logf("%s%s    constraints %s", prefix, indent, n.constraints)
		}
		for _, c := range lc.tree.childrenOf(n) {
			dump(c, indent+"  ")
		}
	}

	if r := lc.tree.rootNode(); r != nil {
		dump(r, "  ")
	}
}

// dumpAllocation logs a published allocation.
func (lc *LogicalCollection) dumpAllocation(info *CollectionInfo, context ...interface{}) {
	prefix := formatPrefix(context...)
	s := &info.Settings

	log.Info("%scollection #%d: %d buffers of %s in %s, domain %s", prefix,
		info.CollectionID, info.BufferCount, prettySize(s.SizeBytes), s.HeapName, s.CoherencyDomain)

	if s.ImageFormat != nil && (lc.verbose() || details.DebugEnabled()) {
		logf := details.Debug
		if lc.verbose() {
			logf = log.Info
		}
		logf("%s  image format %s", prefix, s.ImageFormat)
	}
}

func prettySize(size uint64) string {
	return resource.NewQuantity(int64(size), resource.BinarySI).String()
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!sysmem:Bad-Prefix)"
	}

	if narg == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
