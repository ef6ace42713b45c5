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

// Package sysmem implements a negotiation engine for collections of shared
// memory buffers.
//
// A set of mutually distrusting participants describe their requirements
// for a pool of buffers they intend to share. The participants form a tree
// of nodes rooted at the token created by Broker.AllocateSharedCollection:
//
//   - Tokens are unbound nodes. They can be duplicated, turned into groups,
//     or bound into collections with Broker.BindSharedCollection.
//   - Groups are alternative selectors. Exactly one child of each group
//     takes part in an allocation, children are preferred in creation order.
//   - Collections set constraints and wait for the allocation result.
//
// Once every node of the tree is ready, the engine enumerates the possible
// selections of group children in priority order and, for each selection,
// intersects the constraints of the participating nodes. The first
// selection for which a heap, a coherency domain, an image format, a buffer
// count and a buffer size can be resolved wins. The result is published to
// every participating collection together with a set of buffer handles.
//
// Nodes created with Collection.AttachToken join the tree without taking
// part in the initial allocation. Once the initial allocation exists, their
// subtree is negotiated against the published settings, and a failure to
// fit is reported only to the attached subtree.
//
// Buffer handles are either strong or weak. Strong handles and strong live
// nodes keep buffers allocated. Weak handles come with a signal which is
// closed once a buffer is only retained by weak handles, asking the holder
// to let go of the buffer as soon as possible.
//
// Every collection is served by a single goroutine. All operations on the
// nodes of a collection are serialized and processed in the order received.
package sysmem
