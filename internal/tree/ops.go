package tree

import (
	"slices"

	"github.com/hitoshi/feedtree/internal/model"
)

// Reorder は movedID のノードを newParentID の子の newIndex 番目へ移動した
// 新しいフラット表現を返す。newIndex は移動元から取り除いた後の子リストに対する位置で、
// 範囲外の値は先頭または末尾に丸められる。
//
// 移動したノードとその子孫を含むすべてのノードの parents, children, order,
// orderPath, level, isLastChild は再計算される。入力は変更しない。
func Reorder(flat []model.FlatCollection, movedID, newParentID string, newIndex int) ([]model.FlatCollection, error) {
	root, err := Inflate(flat)
	if err != nil {
		return nil, err
	}

	nodes, parents := Index(root)
	moved, ok := nodes[movedID]
	if !ok {
		return nil, model.NewCollectionNotFound(movedID)
	}
	target, ok := nodes[newParentID]
	if !ok {
		return nil, model.NewCollectionNotFound(newParentID)
	}
	if moved == root {
		return nil, &model.InvalidMoveError{MovedID: movedID, Reason: "the root collection cannot be moved"}
	}
	if target.Collection.IsFeed() {
		return nil, &model.InvalidMoveError{MovedID: movedID, Reason: "target " + newParentID + " is a feed"}
	}
	if moved == target || contains(moved, target) {
		return nil, &model.CyclicMoveError{MovedID: movedID, TargetID: newParentID}
	}

	oldParent := parents[movedID]
	oldParent.Children = slices.DeleteFunc(oldParent.Children, func(n *Node) bool {
		return n == moved
	})
	target.Children = slices.Insert(target.Children, clamp(newIndex, len(target.Children)), moved)

	return Flatten(root), nil
}

// Insert は新しいコレクションを parentID の子の index 番目に追加したフラット表現を返す。
func Insert(flat []model.FlatCollection, c model.Collection, parentID string, index int) ([]model.FlatCollection, error) {
	root, err := Inflate(flat)
	if err != nil {
		return nil, err
	}

	nodes, _ := Index(root)
	if _, exists := nodes[c.ID]; exists {
		return nil, &model.MalformedTreeError{NodeID: c.ID, Reason: "duplicate id"}
	}
	parent, ok := nodes[parentID]
	if !ok {
		return nil, model.NewCollectionNotFound(parentID)
	}
	if parent.Collection.IsFeed() {
		return nil, &model.InvalidMoveError{MovedID: c.ID, Reason: "target " + parentID + " is a feed"}
	}

	parent.Children = slices.Insert(parent.Children, clamp(index, len(parent.Children)), &Node{Collection: c})
	return Flatten(root), nil
}

// Remove は id のノードとその子孫を取り除いたフラット表現と、取り除いたIDの一覧を返す。
func Remove(flat []model.FlatCollection, id string) ([]model.FlatCollection, []string, error) {
	root, err := Inflate(flat)
	if err != nil {
		return nil, nil, err
	}

	nodes, parents := Index(root)
	target, ok := nodes[id]
	if !ok {
		return nil, nil, model.NewCollectionNotFound(id)
	}
	if target == root {
		return nil, nil, &model.InvalidMoveError{MovedID: id, Reason: "the root collection cannot be removed"}
	}

	parent := parents[id]
	parent.Children = slices.DeleteFunc(parent.Children, func(n *Node) bool {
		return n == target
	})

	removed := make([]string, 0)
	for _, f := range Flatten(target) {
		removed = append(removed, f.ID)
	}

	return Flatten(root), removed, nil
}

// Descendants は id の子孫（id自身を含まない）をフラット表現の順で返す。
func Descendants(flat []model.FlatCollection, id string) []model.FlatCollection {
	var out []model.FlatCollection
	for _, f := range flat {
		if slices.Contains(f.Parents, id) {
			out = append(out, f)
		}
	}
	return out
}

// Find はフラット表現から id のコレクションを探す。
func Find(flat []model.FlatCollection, id string) (model.FlatCollection, bool) {
	for _, f := range flat {
		if f.ID == id {
			return f, true
		}
	}
	return model.FlatCollection{}, false
}

// Root はフラット表現のルートを返す。
func Root(flat []model.FlatCollection) (model.FlatCollection, bool) {
	for _, f := range flat {
		if len(f.Parents) == 0 {
			return f, true
		}
	}
	return model.FlatCollection{}, false
}

// Feeds はフラット表現に含まれるフィードのみを返す。
func Feeds(flat []model.FlatCollection) []model.FlatCollection {
	var out []model.FlatCollection
	for _, f := range flat {
		if f.IsFeed() {
			out = append(out, f)
		}
	}
	return out
}

// RollupUnread はフィードの未読数を祖先フォルダへ集計したコピーを返す。
// フォルダの未読数は配下フィードの未読数の合計で上書きされる。
func RollupUnread(flat []model.FlatCollection) []model.FlatCollection {
	out := slices.Clone(flat)
	idx := make(map[string]int, len(out))
	for i := range out {
		idx[out[i].ID] = i
		if !out[i].IsFeed() {
			out[i].UnreadCount = 0
		}
	}
	for _, f := range flat {
		if !f.IsFeed() {
			continue
		}
		for _, ancestorID := range f.Parents {
			if i, ok := idx[ancestorID]; ok {
				out[i].UnreadCount += f.UnreadCount
			}
		}
	}
	return out
}

// Changed は before から after への変換で派生フィールドが変化した、
// または新規に追加されたノードを after の順で返す。
func Changed(before, after []model.FlatCollection) []model.FlatCollection {
	prev := make(map[string]model.FlatCollection, len(before))
	for _, f := range before {
		prev[f.ID] = f
	}

	var out []model.FlatCollection
	for _, f := range after {
		old, ok := prev[f.ID]
		if !ok || !sameShape(old, f) {
			out = append(out, f)
		}
	}
	return out
}

// CompareOrderPath は orderPath を辞書順で比較する。
// 接頭辞は常に先に並ぶため、祖先は子孫より前になる。
func CompareOrderPath(a, b []int) int {
	return slices.Compare(a, b)
}

// SortByOrderPath はフラット表現を orderPath 順（深さ優先・兄弟順）に並べ替える。
func SortByOrderPath(flat []model.FlatCollection) {
	slices.SortStableFunc(flat, func(a, b model.FlatCollection) int {
		return CompareOrderPath(a.OrderPath, b.OrderPath)
	})
}

func sameShape(a, b model.FlatCollection) bool {
	return a.ParentIDValue() == b.ParentIDValue() &&
		a.Order == b.Order &&
		a.Level == b.Level &&
		a.IsLastChild == b.IsLastChild &&
		slices.Equal(a.Parents, b.Parents) &&
		slices.Equal(a.Children, b.Children) &&
		slices.Equal(a.OrderPath, b.OrderPath)
}

// contains は n の子孫に target が含まれるかを返す。
func contains(n, target *Node) bool {
	for _, child := range n.Children {
		if child == target || contains(child, target) {
			return true
		}
	}
	return false
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
