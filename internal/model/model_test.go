package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankraft/acme-cse/internal/model"
)

func TestValidateCreate_MandatoryAttribute(t *testing.T) {
	r := &model.Resource{RN: "myAE", TY: model.TypeAE, CT: time.Now(), LT: time.Now()}
	r.SetAttr("rr", true)
	r.SetAttr("srv", []any{"3", "4"})
	// api is mandatory and missing
	err := model.ValidateCreate(r)
	require.Error(t, err)
}

func TestValidateCreate_UnknownAttributeRejected(t *testing.T) {
	r := &model.Resource{RN: "myAE", TY: model.TypeAE, CT: time.Now(), LT: time.Now()}
	r.SetAttr("api", "N.test")
	r.SetAttr("rr", true)
	r.SetAttr("srv", []any{"3"})
	r.SetAttr("bogus", "x")
	err := model.ValidateCreate(r)
	require.Error(t, err)
}

func TestValidateCreate_Success(t *testing.T) {
	r := &model.Resource{RN: "myAE", TY: model.TypeAE, CT: time.Now(), LT: time.Now()}
	r.SetAttr("api", "N.test")
	r.SetAttr("rr", true)
	r.SetAttr("srv", []any{"3", "4"})
	require.NoError(t, model.ValidateCreate(r))
}

func TestValidateCreate_CTAfterLTRejected(t *testing.T) {
	now := time.Now()
	r := &model.Resource{RN: "x", TY: model.TypeAE, CT: now.Add(time.Second), LT: now}
	r.SetAttr("api", "N.test")
	r.SetAttr("rr", true)
	r.SetAttr("srv", []any{"3"})
	require.Error(t, model.ValidateCreate(r))
}

func TestIsChildTypeAllowed(t *testing.T) {
	assert.True(t, model.IsChildTypeAllowed(model.TypeCSEBase, model.TypeAE))
	assert.True(t, model.IsChildTypeAllowed(model.TypeAE, model.TypeContainer))
	assert.False(t, model.IsChildTypeAllowed(model.TypeContentInstance, model.TypeAE))
}

func TestStructuredPath(t *testing.T) {
	nodes := map[string]model.Node{
		"base":     {RI: "base", RN: "id-in", PI: ""},
		"ae1":      {RI: "ae1", RN: "MyAE", PI: "base"},
		"cnt1":     {RI: "cnt1", RN: "data", PI: "ae1"},
	}
	lookup := func(ri string) (model.Node, bool) {
		n, ok := nodes[ri]
		return n, ok
	}

	srn, err := model.StructuredPath("cnt1", lookup)
	require.NoError(t, err)
	assert.Equal(t, "id-in/MyAE/data", srn)
}

func TestStructuredPath_NotFound(t *testing.T) {
	lookup := func(string) (model.Node, bool) { return model.Node{}, false }
	_, err := model.StructuredPath("missing", lookup)
	require.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	p := model.ParseAddress("myAE/container1")
	assert.Equal(t, model.AddressCSERelative, p.Form)
	assert.Equal(t, "myAE/container1", p.Target)

	p = model.ParseAddress("/id-in/myAE")
	assert.Equal(t, model.AddressSPRelative, p.Form)
	assert.Equal(t, "/id-in", p.CSEID)
	assert.Equal(t, "myAE", p.Target)

	p = model.ParseAddress("//acme/id-in/myAE")
	assert.Equal(t, model.AddressAbsolute, p.Form)
	assert.Equal(t, "acme", p.SPID)
	assert.Equal(t, "/id-in", p.CSEID)
	assert.Equal(t, "myAE", p.Target)
}

func TestPlanEviction_RespectsMNI(t *testing.T) {
	cis := []model.ContentInstanceRef{
		{RI: "ci1", Size: 10, CT: 1},
		{RI: "ci2", Size: 10, CT: 2},
		{RI: "ci3", Size: 10, CT: 3},
	}
	plan := model.PlanEviction(cis, 2, 0)
	require.Len(t, plan.ToEvict, 1)
	assert.Equal(t, "ci1", plan.ToEvict[0])
}

func TestPlanEviction_RespectsMBS(t *testing.T) {
	cis := []model.ContentInstanceRef{
		{RI: "ci1", Size: 100, CT: 1},
		{RI: "ci2", Size: 100, CT: 2},
		{RI: "ci3", Size: 100, CT: 3},
	}
	plan := model.PlanEviction(cis, 0, 150)
	require.Len(t, plan.ToEvict, 2)
	assert.Equal(t, []string{"ci1", "ci2"}, plan.ToEvict)
}

func TestPlanAgeEviction(t *testing.T) {
	now := int64(1_000_000_000_000)
	cis := []model.ContentInstanceRef{
		{RI: "old", CT: 0},
		{RI: "new", CT: now},
	}
	expired := model.PlanAgeEviction(cis, now, 1)
	assert.Equal(t, []string{"old"}, expired)
}
