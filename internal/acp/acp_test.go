package acp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ankraft/acme-cse/internal/acp"
)

func TestAllow_ExactMatch(t *testing.T) {
	e := acp.NewEvaluator(false, "")
	policies := []acp.Policy{
		{RI: "acp1", Privileges: []acp.PrivilegeRule{
			{Originators: []string{"Calice"}, Acop: acp.OpCreate | acp.OpRetrieve},
		}},
	}
	assert.True(t, e.Allow("Calice", acp.OpCreate, policies))
	assert.False(t, e.Allow("Calice", acp.OpDelete, policies))
	assert.False(t, e.Allow("Cbob", acp.OpCreate, policies))
}

func TestAllow_Wildcard(t *testing.T) {
	e := acp.NewEvaluator(false, "")
	policies := []acp.Policy{
		{RI: "acp1", Privileges: []acp.PrivilegeRule{
			{Originators: []string{"*"}, Acop: acp.OpRetrieve},
		}},
	}
	assert.True(t, e.Allow("anyone", acp.OpRetrieve, policies))
	assert.False(t, e.Allow("anyone", acp.OpDelete, policies))
}

func TestAllow_AdminBypass(t *testing.T) {
	e := acp.NewEvaluator(true, "CAdmin")
	assert.True(t, e.Allow("CAdmin", acp.OpDelete, nil))
	assert.False(t, e.Allow("Cother", acp.OpDelete, nil))
}

func TestAllow_NoPoliciesDenies(t *testing.T) {
	e := acp.NewEvaluator(false, "")
	assert.False(t, e.Allow("Calice", acp.OpRetrieve, nil))
}
