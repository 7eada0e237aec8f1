// Package tree はコレクション階層のネスト表現とフラット表現を相互変換する。
//
// フラット表現（model.FlatCollection のリスト）は祖先ID列・子ID列・兄弟順序・
// orderPath を事前計算して保持し、ストレージでの検索に使用される。
// このパッケージの関数はすべて純粋関数で、I/Oを行わず入力スライスを変更しない。
package tree

import (
	"fmt"
	"slices"

	"github.com/hitoshi/feedtree/internal/model"
)

// Node はネスト表現のツリーノード。
type Node struct {
	Collection model.Collection
	Children   []*Node
}

// Flatten はツリーを深さ優先・兄弟順でフラット化する。
// ルートはlevel 0、空のorderPath、空のparentsとして含まれる。
func Flatten(root *Node) []model.FlatCollection {
	if root == nil {
		return nil
	}

	var out []model.FlatCollection
	var walk func(n *Node, parents []string, path []int, order, siblings int)
	walk = func(n *Node, parents []string, path []int, order, siblings int) {
		c := n.Collection
		if len(parents) == 0 {
			c.ParentID = nil
		} else {
			parentID := parents[len(parents)-1]
			c.ParentID = &parentID
		}

		children := make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			children = append(children, child.Collection.ID)
		}

		out = append(out, model.FlatCollection{
			Collection:  c,
			Parents:     cloneStrings(parents),
			Children:    children,
			Order:       order,
			OrderPath:   cloneInts(path),
			Level:       len(parents),
			IsLastChild: order == siblings-1,
		})

		childParents := append(cloneStrings(parents), c.ID)
		for i, child := range n.Children {
			walk(child, childParents, append(cloneInts(path), i), i, len(n.Children))
		}
	}
	walk(root, nil, nil, 0, 1)

	return out
}

// Inflate はフラット表現からツリーを復元する。
// 親子関係は parents の末尾（直近の親）から構築し、子は order 順に並べる。
// 親の欠落、兄弟間のorder重複、ID重複、ルートの欠落・複数、循環、
// 親の祖先ID列との不一致を検出すると *model.MalformedTreeError を返す。
func Inflate(flat []model.FlatCollection) (*Node, error) {
	if len(flat) == 0 {
		return nil, &model.MalformedTreeError{Reason: "tree is empty"}
	}

	entries := make(map[string]*model.FlatCollection, len(flat))
	nodes := make(map[string]*Node, len(flat))
	rootID := ""

	for i := range flat {
		f := &flat[i]
		if f.ID == "" {
			return nil, &model.MalformedTreeError{Reason: "collection without id"}
		}
		if _, dup := entries[f.ID]; dup {
			return nil, &model.MalformedTreeError{NodeID: f.ID, Reason: "duplicate id"}
		}
		if slices.Contains(f.Parents, f.ID) {
			return nil, &model.MalformedTreeError{NodeID: f.ID, Reason: "node appears in its own ancestor chain"}
		}
		if len(f.Parents) == 0 {
			if rootID != "" {
				return nil, &model.MalformedTreeError{NodeID: f.ID, Reason: fmt.Sprintf("second root (first root is %s)", rootID)}
			}
			rootID = f.ID
		}
		entries[f.ID] = f
		nodes[f.ID] = &Node{Collection: cloneCollection(f.Collection)}
	}

	if rootID == "" {
		return nil, &model.MalformedTreeError{Reason: "no root collection"}
	}

	byParent := make(map[string][]*model.FlatCollection)
	for i := range flat {
		f := &flat[i]
		if f.ID == rootID {
			continue
		}
		parentID := f.ParentIDValue()
		parent, ok := entries[parentID]
		if !ok {
			return nil, &model.MalformedTreeError{NodeID: f.ID, Reason: fmt.Sprintf("parent %s is absent", parentID)}
		}
		if parent.IsFeed() {
			return nil, &model.MalformedTreeError{NodeID: f.ID, Reason: fmt.Sprintf("parent %s is a feed", parentID)}
		}
		byParent[parentID] = append(byParent[parentID], f)
	}

	for parentID, kids := range byParent {
		slices.SortStableFunc(kids, func(a, b *model.FlatCollection) int {
			return a.Order - b.Order
		})
		parent := nodes[parentID]
		for i, kid := range kids {
			if i > 0 && kids[i-1].Order == kid.Order {
				return nil, &model.MalformedTreeError{
					NodeID: kid.ID,
					Reason: fmt.Sprintf("siblings %s and %s share order %d", kids[i-1].ID, kid.ID, kid.Order),
				}
			}
			parent.Children = append(parent.Children, nodes[kid.ID])
		}
	}

	// 親ポインタが循環しているノードはルートから到達できない
	root := nodes[rootID]
	root.Collection.ParentID = nil
	visited := make(map[string]bool, len(flat))
	var inconsistent string
	var walk func(n *Node, chain []string)
	walk = func(n *Node, chain []string) {
		visited[n.Collection.ID] = true
		if inconsistent == "" && !slices.Equal(entries[n.Collection.ID].Parents, chain) {
			inconsistent = n.Collection.ID
		}
		childChain := append(cloneStrings(chain), n.Collection.ID)
		for _, child := range n.Children {
			id := n.Collection.ID
			child.Collection.ParentID = &id
			walk(child, childChain)
		}
	}
	walk(root, nil)

	if inconsistent != "" {
		return nil, &model.MalformedTreeError{NodeID: inconsistent, Reason: "ancestor chain does not match the parent's chain"}
	}

	if len(visited) != len(flat) {
		for i := range flat {
			if !visited[flat[i].ID] {
				return nil, &model.MalformedTreeError{NodeID: flat[i].ID, Reason: "cycle detected: node is not reachable from the root"}
			}
		}
	}

	return root, nil
}

// Index はツリー内の全ノードをIDで引けるようにした索引と、各ノードの親を返す。
func Index(root *Node) (nodes map[string]*Node, parents map[string]*Node) {
	nodes = make(map[string]*Node)
	parents = make(map[string]*Node)
	var walk func(n, parent *Node)
	walk = func(n, parent *Node) {
		nodes[n.Collection.ID] = n
		if parent != nil {
			parents[n.Collection.ID] = parent
		}
		for _, child := range n.Children {
			walk(child, n)
		}
	}
	if root != nil {
		walk(root, nil)
	}
	return nodes, parents
}

func cloneCollection(c model.Collection) model.Collection {
	if c.ParentID != nil {
		parentID := *c.ParentID
		c.ParentID = &parentID
	}
	return c
}

func cloneStrings(s []string) []string {
	return append([]string{}, s...)
}

func cloneInts(s []int) []int {
	return append([]int{}, s...)
}
