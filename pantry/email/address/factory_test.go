package address

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emails(as []Address) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Email()
	}
	return out
}

func TestFactory_Create(t *testing.T) {
	f := NewFactory(&recordingChecker{})

	a, err := f.Create(`"Ada Lovelace" <ada@example.com>`)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", a.Email())
	name, ok := a.Name()
	assert.True(t, ok)
	assert.Equal(t, "Ada Lovelace", name)

	a, err = f.Create("<ada@example.com>")
	require.NoError(t, err)
	_, ok = a.Name()
	assert.False(t, ok)
	assert.Equal(t, "ada@example.com", a.String())

	_, err = f.Create("Ada <>")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestFactory_CreateArray(t *testing.T) {
	f := NewFactory(&recordingChecker{})

	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"empty", []string{}, []string{}},
		{"single", []string{"a@x.com"}, []string{"a@x.com"}},
		{"list", []string{"a@x.com", "b@y.com"}, []string{"a@x.com", "b@y.com"}},
		{"csv collapse", []string{"a@x.com, b@y.com"}, []string{"a@x.com", "b@y.com"}},
		{"csv collapse drops empties", []string{",a@x.com,,\tb@y.com ,"}, []string{"a@x.com", "b@y.com"}},
		{"single without comma is not split", []string{"a@x.com b@y.com"}, []string{"a@x.com b@y.com"}},
		{"no collapse with two elements", []string{"Ada <a@x.com>", "b@y.com"}, []string{"a@x.com", "b@y.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.CreateArray(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, emails(got))
		})
	}
}

func TestFactory_CreateArray_CSVMatchesList(t *testing.T) {
	f := NewFactory(&recordingChecker{})

	fromCSV, err := f.CreateArray([]string{"a@x.com, b@y.com"})
	require.NoError(t, err)
	fromList, err := f.CreateArray([]string{"a@x.com", "b@y.com"})
	require.NoError(t, err)

	require.Len(t, fromCSV, 2)
	for i := range fromCSV {
		assert.True(t, fromCSV[i].Equal(fromList[i]))
	}
}

func TestFactory_CreateArray_CommaInMultiElementList(t *testing.T) {
	// Two elements: the comma-bearing one is handed to Create whole.
	c := &recordingChecker{}
	f := NewFactory(c)

	_, err := f.CreateArray([]string{"a@x.com,b@y.com", "c@z.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com,b@y.com", "c@z.com"}, c.values)
}

func TestFactory_CreateArray_FirstFailureAborts(t *testing.T) {
	c := &recordingChecker{}
	f := NewFactory(c)

	got, err := f.CreateArray([]string{"a@x.com", "not-an-email", "c@z.com"})
	require.Error(t, err)
	assert.Nil(t, got)

	var invalid *InvalidAddressError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "not-an-email", invalid.Email)

	// c@z.com is never checked.
	assert.Equal(t, []string{"a@x.com", "not-an-email"}, c.values)
}

func TestCreateArray_Default(t *testing.T) {
	got, err := CreateArray([]string{"a@x.com, b@y.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "b@y.com"}, emails(got))

	got, err = CreateArray([]string{"a@x.com", "not-an-email"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Nil(t, got)
}

func TestFactory_ConcurrentUse(t *testing.T) {
	f := NewFactory(CheckerFunc(func(value, rules string) bool { return value != "" }))
	a := MustCreate(`"Ada" <ada@example.com>`)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b, err := f.Create(a.String())
				if err != nil || !b.Equal(a) {
					t.Errorf("Create(%q) = %v, %v", a.String(), b, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
