// Package facet 为数据集构建分层导航索引。
// 索引是派生数据：每次入库提交或批量标注之后整体重建，从不作为事实来源。
package facet

import (
	"errors"
	"sort"
	"strings"

	"github.com/mozillazg/go-unidecode"

	"DatasetCleaner/internal/models"
)

// Unspecified 是缺失取值的显式分桶。
// 某个字段没有可分面取值的图片归入这里，从不被丢弃。
const Unspecified = "unspecified"

// ErrUnknownPath 表示请求的分面路径在索引中不存在。
var ErrUnknownPath = errors.New("分面路径不存在")

// Index 是按字段顺序展开的分面树。构建后只读，查询天然并发安全。
type Index struct {
	fields []string
	root   *node
}

type node struct {
	children map[string]*node
	// members 是该路径下全部图片的身份键，构建完成后排好序。
	members []string
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Build 对给定图片集沿 fields 依次展开，生成完整索引。
// 只有 active 图片参与分面；孤儿记录不出现在任何分桶里。
// 对目标规模（几万到十几万张）整体重建足够便宜，可以同步执行。
func Build(images []models.Image, fields []string) *Index {
	idx := &Index{fields: fields, root: newNode()}
	for i := range images {
		img := &images[i]
		if img.Status != models.StatusActive {
			continue
		}
		cur := idx.root
		cur.members = append(cur.members, img.StableID)
		for _, field := range fields {
			value := Unspecified
			if fv, ok := img.Metadata[field]; ok {
				if v, usable := fv.FacetValue(); usable {
					value = v
				}
			}
			child, ok := cur.children[value]
			if !ok {
				child = newNode()
				cur.children[value] = child
			}
			child.members = append(child.members, img.StableID)
			cur = child
		}
	}
	idx.root.sortAll()
	return idx
}

func (n *node) sortAll() {
	sort.Strings(n.members)
	for _, child := range n.children {
		child.sortAll()
	}
}

// Fields 返回索引展开所用的字段顺序。
func (idx *Index) Fields() []string {
	return idx.fields
}

// Total 返回参与分面的图片总数。
func (idx *Index) Total() int {
	return len(idx.root.members)
}

// resolve 沿取值路径下钻。unspecified 分桶即使没有成员也视为存在。
func (idx *Index) resolve(path []string) (*node, error) {
	if len(path) > len(idx.fields) {
		return nil, ErrUnknownPath
	}
	cur := idx.root
	for _, value := range path {
		child, ok := cur.children[value]
		if !ok {
			if value == Unspecified {
				return newNode(), nil
			}
			return nil, ErrUnknownPath
		}
		cur = child
	}
	return cur, nil
}

// Children 返回 path 下一层的全部取值及计数。
// unspecified 分桶总是列出（可能为 0），排在其余取值之后；
// 其余取值按音译折叠后的字典序排列。到达最深一层时返回空切片。
func (idx *Index) Children(path []string) ([]models.FacetChild, error) {
	cur, err := idx.resolve(path)
	if err != nil {
		return nil, err
	}
	if len(path) == len(idx.fields) {
		return []models.FacetChild{}, nil
	}

	out := make([]models.FacetChild, 0, len(cur.children)+1)
	for value, child := range cur.children {
		if value == Unspecified {
			continue
		}
		out = append(out, models.FacetChild{Value: value, Count: len(child.members)})
	}
	sort.Slice(out, func(i, j int) bool {
		return sortKey(out[i].Value) < sortKey(out[j].Value)
	})

	unspecCount := 0
	if child, ok := cur.children[Unspecified]; ok {
		unspecCount = len(child.members)
	}
	out = append(out, models.FacetChild{Value: Unspecified, Count: unspecCount})
	return out, nil
}

// Members 返回 path 下全部图片的身份键，升序。
func (idx *Index) Members(path []string) ([]string, error) {
	cur, err := idx.resolve(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(cur.members))
	copy(out, cur.members)
	return out, nil
}

// sortKey 把取值折叠为 ASCII 小写，非拉丁取值也能得到稳定直观的排序。
func sortKey(value string) string {
	return strings.ToLower(unidecode.Unidecode(value))
}
