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
	"github.com/containers/nri-sysmem/pkg/utils"
)

// resolver resolves buffer counts and sizes against broker limits.
type resolver struct {
	pageSize       uint64
	maxBufferCount uint32
	maxTotalBytes  uint64
}

// resolveCount returns the number of buffers needed by participants. For
// a follow-up negotiation it checks that the published count will do.
func (r *resolver) resolveCount(parts []*participant, pinned *CollectionInfo) (uint32, error) {
	var (
		minCount    uint32
		maxCount    uint32
		camping     uint32
		sharedSlack uint32
	)

	for _, p := range parts {
		c := p.constraints
		if c == nil {
			continue
		}
		minCount = max(minCount, c.MinBufferCount)
		maxCount = minNonZero(maxCount, c.MaxBufferCount)
		camping += c.MinBufferCountForCamping + c.MinBufferCountForDedicatedSlack
		sharedSlack = max(sharedSlack, c.MinBufferCountForSharedSlack)
	}

	count := max(minCount, camping+sharedSlack)

	if pinned != nil {
		if count > pinned.BufferCount {
			return 0, intersectionEmpty("%d buffers needed, %d allocated", count, pinned.BufferCount)
		}
		if exceeds(pinned.BufferCount, maxCount) {
			return 0, intersectionEmpty("%d buffers allocated, at most %d allowed", pinned.BufferCount, maxCount)
		}
		return pinned.BufferCount, nil
	}

	maxCount = minNonZero(maxCount, r.maxBufferCount)

	if count == 0 {
		return 0, intersectionEmpty("buffer count resolves to zero")
	}
	if exceeds(count, maxCount) {
		return 0, intersectionEmpty("%d buffers needed, at most %d allowed", count, maxCount)
	}

	return count, nil
}

// resolveSize returns the size of a single buffer. For a follow-up
// negotiation it checks that the published size will do.
func (r *resolver) resolveSize(parts []*participant, image *ImageFormat, pinned *CollectionInfo) (uint64, error) {
	var (
		minSize uint64
		maxSize uint64
	)

	for _, p := range parts {
		m := p.constraints.memory()
		if m == nil {
			continue
		}
		minSize = max(minSize, m.MinSizeBytes)
		if m.MaxSizeBytes != 0 && (maxSize == 0 || m.MaxSizeBytes < maxSize) {
			maxSize = m.MaxSizeBytes
		}
	}

	if image != nil {
		minSize = max(minSize, image.SizeBytes)
	}

	if pinned != nil {
		if minSize > pinned.Settings.SizeBytes {
			return 0, intersectionEmpty("%d bytes per buffer needed, %d allocated",
				minSize, pinned.Settings.SizeBytes)
		}
		if maxSize != 0 && pinned.Settings.SizeBytes > maxSize {
			return 0, intersectionEmpty("%d bytes per buffer allocated, at most %d allowed",
				pinned.Settings.SizeBytes, maxSize)
		}
		return pinned.Settings.SizeBytes, nil
	}

	if minSize == 0 {
		return 0, intersectionEmpty("buffer size resolves to zero")
	}
	if maxSize != 0 && minSize > maxSize {
		return 0, intersectionEmpty("%d bytes per buffer needed, at most %d allowed", minSize, maxSize)
	}

	return minSize, nil
}

// reservedSize returns the amount of memory reserved for a buffer of size.
func (r *resolver) reservedSize(size uint64) uint64 {
	return utils.RoundUp(size, r.pageSize)
}

// placeCollection picks the first candidate placement with room for the
// whole collection.
func (r *resolver) placeCollection(candidates []placement, count uint32, size uint64) (placement, error) {
	total := uint64(count) * r.reservedSize(size)
	if r.maxTotalBytes != 0 && total > r.maxTotalBytes {
		return placement{}, intersectionEmpty("collection of %d bytes exceeds limit of %d bytes",
			total, r.maxTotalBytes)
	}

	for _, p := range candidates {
		if p.heap.Capacity == 0 || total <= p.heap.Capacity {
			return p, nil
		}
	}

	return placement{}, intersectionEmpty("collection of %d bytes exceeds capacity of all candidate heaps", total)
}
