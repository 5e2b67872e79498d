// Copyright 2024 the Locksmith authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package locksmith

// The lock-order graph lives inside the lockRecords: an edge A -> B
// means some goroutine held A and then acquired B. Edges accumulate for
// the lifetime of a lock and are never removed on unlock; an ordering
// observed once is a constraint, and reversing it later is exactly the
// bug being hunted. Only destroy prunes the graph.
//
// All functions here run under the registry lock.

// wouldAddCycleLocked reports whether inserting h -> rec for any h in
// held would close a cycle, i.e. whether some h is already reachable
// from rec along forward edges. On a hit it returns the existing path
// rec -> ... -> h; the candidate edge h -> rec is what closes the loop.
func wouldAddCycleLocked(rec *lockRecord, held []LockID) ([]LockID, bool) {
	if len(held) == 0 {
		return nil, false
	}
	targets := make(map[LockID]struct{}, len(held))
	for _, h := range held {
		targets[h] = struct{}{}
	}

	// Iterative DFS over successor sets, bounded by the live vertex
	// count. parent links reconstruct the offending path.
	parent := make(map[LockID]LockID)
	visited := map[LockID]struct{}{rec.id: {}}
	stack := []LockID{rec.id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, hit := targets[cur]; hit {
			var path []LockID
			for at := cur; ; at = parent[at] {
				path = append([]LockID{at}, path...)
				if at == rec.id {
					break
				}
			}
			return path, true
		}
		node := registry.byID[cur]
		if node == nil {
			continue
		}
		for next := range node.after {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			parent[next] = cur
			stack = append(stack, next)
		}
	}
	return nil, false
}

// addEdgesLocked inserts h -> rec for every h in held. Idempotent on
// repeated identical orderings.
func addEdgesLocked(rec *lockRecord, held []LockID) {
	for _, h := range held {
		prev := registry.byID[h]
		if prev == nil || prev == rec {
			continue
		}
		prev.after[rec.id] = struct{}{}
		rec.before[h] = struct{}{}
	}
}

// removeVertexLocked severs rec from both directions of every other
// vertex. Called only on destroy.
func removeVertexLocked(rec *lockRecord) {
	for p := range rec.before {
		if prev := registry.byID[p]; prev != nil {
			delete(prev.after, rec.id)
		}
	}
	for s := range rec.after {
		if succ := registry.byID[s]; succ != nil {
			delete(succ.before, rec.id)
		}
	}
}

// pathStringLocked renders rec's cycle for a report: the stored path
// rec -> ... -> h plus the candidate edge back to rec.
func pathStringLocked(path []LockID) string {
	s := ""
	for _, id := range path {
		if rec := registry.byID[id]; rec != nil {
			s += rec.name + " -> "
		}
	}
	if first := registry.byID[path[0]]; first != nil {
		s += first.name
	}
	return s
}
