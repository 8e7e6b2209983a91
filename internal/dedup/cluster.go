package dedup

import "sort"

// unionFind groups entity ids connected by duplicate pairs.
type unionFind struct {
	parent map[int64]int64
}

func newUnionFind() *unionFind {
	return &unionFind{parent: map[int64]int64{}}
}

func (u *unionFind) find(id int64) int64 {
	root, ok := u.parent[id]
	if !ok {
		u.parent[id] = id
		return id
	}
	if root == id {
		return id
	}
	r := u.find(root)
	u.parent[id] = r
	return r
}

func (u *unionFind) union(a, b int64) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// Lower id wins as root so cluster identity is stable across runs.
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

// cluster is a set of entities judged to be the same thing. Members are
// sorted ascending; the cluster is identified by its lowest id.
type cluster struct {
	key     int64
	members []int64
}

// clusters materialises the connected components with two or more
// members, ordered by key.
func (u *unionFind) clusters() []cluster {
	groups := map[int64][]int64{}
	for id := range u.parent {
		root := u.find(id)
		groups[root] = append(groups[root], id)
	}

	var out []cluster
	for root, members := range groups {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		out = append(out, cluster{key: root, members: members})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// choosePrimary picks the surviving entity of a cluster: the member
// with the most relationships, lowest id on a tie.
func choosePrimary(members []int64, degrees map[int64]int) (primary int64, duplicates []int64) {
	primary = members[0]
	for _, id := range members[1:] {
		if degrees[id] > degrees[primary] {
			primary = id
		}
	}
	duplicates = make([]int64, 0, len(members)-1)
	for _, id := range members {
		if id != primary {
			duplicates = append(duplicates, id)
		}
	}
	return primary, duplicates
}
