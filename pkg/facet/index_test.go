package facet

import (
	"errors"
	"testing"

	"DatasetCleaner/internal/models"
)

func img(stableID string, status models.IngestStatus, fields map[string]models.FieldValue) models.Image {
	return models.Image{StableID: stableID, Status: status, Metadata: fields}
}

func categorical(v string) models.FieldValue {
	return models.FieldValue{Kind: models.KindCategorical, Str: v}
}

func testImages() []models.Image {
	return []models.Image{
		img("a.jpg", models.StatusActive, map[string]models.FieldValue{
			"location": categorical("Lab1"), "species": categorical("mouse"),
		}),
		img("b.jpg", models.StatusActive, map[string]models.FieldValue{
			"location": categorical("Lab2"), "species": categorical("rat"),
		}),
		img("c.jpg", models.StatusOrphanedFile, nil),
		img("d.jpg", models.StatusActive, map[string]models.FieldValue{
			"location": categorical("Lab1"),
		}),
	}
}

func TestChildrenCountsAndOrder(t *testing.T) {
	idx := Build(testImages(), []string{"location", "species"})

	children, err := idx.Children(nil)
	if err != nil {
		t.Fatalf("Children 失败: %v", err)
	}
	// Lab1:2, Lab2:1, unspecified:0 且 unspecified 总在最后
	want := []models.FacetChild{
		{Value: "Lab1", Count: 2},
		{Value: "Lab2", Count: 1},
		{Value: Unspecified, Count: 0},
	}
	if len(children) != len(want) {
		t.Fatalf("子节点数 = %d, 期望 %d: %+v", len(children), len(want), children)
	}
	for i := range want {
		if children[i] != want[i] {
			t.Errorf("children[%d] = %+v, 期望 %+v", i, children[i], want[i])
		}
	}
}

func TestOrphansExcluded(t *testing.T) {
	idx := Build(testImages(), []string{"location"})
	if idx.Total() != 3 {
		t.Errorf("Total = %d, 期望 3 (孤儿不参与分面)", idx.Total())
	}
	members, err := idx.Members(nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range members {
		if id == "c.jpg" {
			t.Error("orphaned-file 不应出现在任何分桶里")
		}
	}
}

func TestDrillDownAndUnspecified(t *testing.T) {
	idx := Build(testImages(), []string{"location", "species"})

	// d.jpg 有 location 但没有 species，应落入第二层的 unspecified 桶
	children, err := idx.Children([]string{"Lab1"})
	if err != nil {
		t.Fatalf("Children(Lab1) 失败: %v", err)
	}
	var mouse, unspec int
	for _, c := range children {
		switch c.Value {
		case "mouse":
			mouse = c.Count
		case Unspecified:
			unspec = c.Count
		}
	}
	if mouse != 1 || unspec != 1 {
		t.Errorf("Lab1 下 mouse=%d unspecified=%d, 期望各 1", mouse, unspec)
	}

	members, err := idx.Members([]string{"Lab1", Unspecified})
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != "d.jpg" {
		t.Errorf("Lab1/unspecified 成员 = %v, 期望 [d.jpg]", members)
	}
}

// 分面划分性质：任一层所有兄弟取值（含 unspecified）的计数之和等于父节点计数。
func TestFacetPartition(t *testing.T) {
	idx := Build(testImages(), []string{"location", "species"})

	var check func(path []string, parentCount int)
	check = func(path []string, parentCount int) {
		children, err := idx.Children(path)
		if err != nil {
			t.Fatal(err)
		}
		if len(children) == 0 {
			return
		}
		sum := 0
		for _, c := range children {
			sum += c.Count
			if c.Count > 0 {
				check(append(append([]string{}, path...), c.Value), c.Count)
			}
		}
		if sum != parentCount {
			t.Errorf("路径 %v: 子计数之和 %d != 父计数 %d", path, sum, parentCount)
		}
	}
	check(nil, idx.Total())
}

func TestUnknownPath(t *testing.T) {
	idx := Build(testImages(), []string{"location"})

	if _, err := idx.Children([]string{"Lab99"}); !errors.Is(err, ErrUnknownPath) {
		t.Errorf("不存在的取值应返回 ErrUnknownPath, 得到 %v", err)
	}
	// unspecified 桶即使为空也视为存在
	members, err := idx.Members([]string{Unspecified})
	if err != nil || len(members) != 0 {
		t.Errorf("空的 unspecified 桶应返回空成员集: %v, %v", members, err)
	}
	// 超过字段深度的路径无效
	if _, err := idx.Children([]string{"Lab1", "x"}); !errors.Is(err, ErrUnknownPath) {
		t.Errorf("超深路径应返回 ErrUnknownPath, 得到 %v", err)
	}
}

func TestNumberValuesFacet(t *testing.T) {
	images := []models.Image{
		img("a.jpg", models.StatusActive, map[string]models.FieldValue{
			"magnification": {Kind: models.KindNumber, Num: 40},
		}),
		img("b.jpg", models.StatusActive, map[string]models.FieldValue{
			"magnification": {Kind: models.KindNumber, Num: 40},
		}),
	}
	idx := Build(images, []string{"magnification"})
	children, err := idx.Children(nil)
	if err != nil {
		t.Fatal(err)
	}
	if children[0].Value != "40" || children[0].Count != 2 {
		t.Errorf("数值取值应格式化为 \"40\": %+v", children)
	}
}
