package reflect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bmi struct {
	Height float64 `default:"180.5"`
	Weight float64 `default:"70.5"`
}

type tagMock struct {
	Name    string    `default:"John"`
	Age     int       `default:"18"`
	Hobby   []string  `default:"basketball, football"`
	Score   []int     `default:"90,80"`
	Bmi     []bmi     `default:"{},{}"`
	Enabled bool      `default:"true"`
	Limit   *int      `default:"5"`
	Extra   *bmi      `default:"-"`
	Skipped *bmi
	Address struct {
		Province string `default:"New York"`
		City     string `default:"New York"`
	}
}

func TestSetDefaultTag(t *testing.T) {
	mock := tagMock{Age: 20}
	mock.Address.City = "Albany"

	require.NoError(t, SetDefaultTag(&mock))
	assert.Equal(t, "John", mock.Name)
	assert.Equal(t, 20, mock.Age, "set fields are kept")
	assert.Equal(t, []string{"basketball", "football"}, mock.Hobby)
	assert.Equal(t, []int{90, 80}, mock.Score)
	assert.Equal(t, []bmi{{180.5, 70.5}, {180.5, 70.5}}, mock.Bmi)
	assert.True(t, mock.Enabled)
	require.NotNil(t, mock.Limit)
	assert.Equal(t, 5, *mock.Limit)
	require.NotNil(t, mock.Extra)
	assert.Equal(t, bmi{180.5, 70.5}, *mock.Extra)
	assert.Nil(t, mock.Skipped)
	assert.Equal(t, "New York", mock.Address.Province, "a set struct still gets its zero fields filled")
	assert.Equal(t, "Albany", mock.Address.City)
}

func TestSetDefaultTagCustomTag(t *testing.T) {
	type nested struct {
		Port int `fallback:"8080"`
	}
	var c struct {
		Host   string `fallback:"localhost"`
		Server nested
	}
	require.NoError(t, SetDefaultTag(&c, WithTag("fallback")))
	assert.Equal(t, "localhost", c.Host)
	assert.Equal(t, 8080, c.Server.Port)
}

func TestSetDefaultTagErrors(t *testing.T) {
	var c struct {
		Inner struct {
			Port int8 `default:"300"`
		}
	}
	err := SetDefaultTag(&c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Inner.Port")

	var m struct {
		Table map[string]int `default:"a"`
	}
	assert.ErrorIs(t, SetDefaultTag(&m), ErrTagUnsupportedType)

	assert.ErrorIs(t, SetDefaultTag(c), ErrTagTargetMustBePointer)
	var nilPtr *tagMock
	assert.ErrorIs(t, SetDefaultTag(nilPtr), ErrTagTargetMustNotBeNil)
	n := 1
	assert.ErrorIs(t, SetDefaultTag(&n), ErrMapTargetMustBeStruct)
}
