package einoah

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// viewButton returns the button in the view with the given (unencoded)
// control ID, and whether it was found.
func viewButton(v MenuView, sessionID, controlID string) (discordgo.Button, bool) {
	customID := menuCustomID(sessionID, controlID)
	for _, row := range v.Rows {
		for _, b := range row {
			if b.CustomID == customID {
				return b, true
			}
		}
	}
	return discordgo.Button{}, false
}

func TestMenuPageCount(t *testing.T) {
	t.Parallel()
	tests := map[int]int{0: 0, 1: 1, 5: 1, 6: 2, 10: 2, 11: 3, 23: 5}
	for n, want := range tests {
		assert.Equal(t, want, menuPageCount(n), "items: %d", n)
	}
}

func TestClampPage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, clampPage(-1, 3))
	assert.Equal(t, 2, clampPage(3, 3))
	assert.Equal(t, 1, clampPage(1, 3))
	assert.Equal(t, 0, clampPage(0, 0))
	assert.Equal(t, 0, clampPage(4, 0))
}

func TestMenuItemIndex(t *testing.T) {
	t.Parallel()
	idx, ok := menuItemIndex(1, 2, 8)
	assert.True(t, ok)
	assert.Equal(t, 7, idx)

	_, ok = menuItemIndex(1, 3, 8)
	assert.False(t, ok)

	_, ok = menuItemIndex(0, menuPageSize, 20)
	assert.False(t, ok)

	_, ok = menuItemIndex(0, -1, 20)
	assert.False(t, ok)
}

func TestMenuRowControlID(t *testing.T) {
	t.Parallel()
	for row := 0; row < menuPageSize; row++ {
		id := menuRowControlID(row)
		got, ok := menuRowFromControlID(id)
		require.True(t, ok, id)
		assert.Equal(t, row, got)
		assert.True(t, isReservedMenuControl(id))
	}

	for _, id := range []string{"0", "6", "01", "+1", "", "een"} {
		_, ok := menuRowFromControlID(id)
		assert.False(t, ok, id)
	}

	assert.True(t, isReservedMenuControl(menuControlLeft))
	assert.True(t, isReservedMenuControl(menuControlRight))
	assert.False(t, isReservedMenuControl("delete"))
}

func TestMapMenuItems(t *testing.T) {
	t.Parallel()
	items := make([]int, 30)
	for i := range items {
		items[i] = i
	}
	labels, err := mapMenuItems(
		context.Background(),
		items,
		func(_ context.Context, n int) (string, error) {
			return fmt.Sprintf("item %d", n), nil
		},
	)
	require.NoError(t, err)
	require.Len(t, labels, 30)
	for i, label := range labels {
		assert.Equal(t, fmt.Sprintf("item %d", i), label)
	}

	errBoom := errors.New("boom")
	_, err = mapMenuItems(
		context.Background(),
		items,
		func(_ context.Context, n int) (string, error) {
			if n == 17 {
				return "", errBoom
			}
			return "", nil
		},
	)
	assert.ErrorIs(t, err, errBoom)

	_, err = mapMenuItems(
		context.Background(),
		items,
		func(_ context.Context, n int) (string, error) {
			if n == 3 {
				panic("boom")
			}
			return "", nil
		},
	)
	require.ErrorIs(t, err, ErrMenuMapperPanic)
	assert.Contains(t, err.Error(), "item 3: boom")
}

func TestMenuContent(t *testing.T) {
	t.Parallel()
	labels := []string{"a", "b", "c", "d", "e", "f`g"}

	first := menuContent("**Titel**", labels, 0, 2)
	assert.Equal(
		t,
		"**Titel**\n1 `a`\n2 `b`\n3 `c`\n4 `d`\n5 `e`\n\n> `1/2`",
		first,
	)

	second := menuContent("**Titel**", labels, 1, 2)
	assert.Equal(t, "**Titel**\n1 `f'g`\n\n> `2/2`", second)

	single := menuContent("t", labels[:2], 0, 1)
	assert.Equal(t, "t\n1 `a`\n2 `b`", single)

	long := menuContent(strings.Repeat("x", 3000), labels, 0, 2)
	assert.LessOrEqual(t, len([]rune(long)), discordMaxMessageLength)
}

func TestMenuRows(t *testing.T) {
	t.Parallel()

	t.Run("single page", func(t *testing.T) {
		t.Parallel()
		rows := menuRows("s", 3, 0, 1, nil)
		require.Len(t, rows, 1)
		require.Len(t, rows[0], menuPageSize)
		for i, b := range rows[0] {
			assert.Equal(t, menuCustomID("s", menuRowControlID(i)), b.CustomID)
			assert.Equal(t, i >= 3, b.Disabled, "row %d", i)
		}
	})

	t.Run("pager", func(t *testing.T) {
		t.Parallel()
		rows := menuRows("s", 12, 0, 3, nil)
		require.Len(t, rows, 2)
		require.Len(t, rows[1], 2)
		assert.Equal(t, menuCustomID("s", menuControlLeft), rows[1][0].CustomID)
		assert.True(t, rows[1][0].Disabled)
		assert.False(t, rows[1][1].Disabled)

		last := menuRows("s", 12, 2, 3, nil)
		assert.False(t, last[1][0].Disabled)
		assert.True(t, last[1][1].Disabled)
		assert.False(t, last[0][1].Disabled)
		assert.True(t, last[0][2].Disabled)
	})

	t.Run("extras wrap", func(t *testing.T) {
		t.Parallel()
		extras := make([]discordgo.Button, 9)
		for i := range extras {
			extras[i] = discordgo.Button{Label: "x", CustomID: fmt.Sprintf("x%d", i)}
		}
		rows := menuRows("s", 6, 0, 2, extras)
		require.Len(t, rows, 4)
		assert.Len(t, rows[1], discordMaxButtonsPerActionRow)
		assert.Len(t, rows[2], discordMaxButtonsPerActionRow)
		assert.Len(t, rows[3], 1)
		assert.Equal(t, menuCustomID("s", "x0"), rows[1][2].CustomID)
		assert.Equal(t, menuCustomID("s", "x8"), rows[3][0].CustomID)

		// the caller's buttons aren't modified
		assert.Equal(t, "x0", extras[0].CustomID)
	})
}

func TestMenuView(t *testing.T) {
	t.Parallel()
	view, err := renderMenuView(
		context.Background(),
		"s",
		"t",
		[]string{"a", "b", "c", "d", "e", "f"},
		func(_ context.Context, s string) (string, error) { return strings.ToUpper(s), nil },
		1,
		[]discordgo.Button{{Label: "❌", CustomID: "delete"}},
	)
	require.NoError(t, err)
	assert.Equal(t, "t\n1 `F`\n\n> `2/2`", view.Content)

	components := view.Components()
	require.Len(t, components, 2)
	row, ok := components[1].(discordgo.ActionsRow)
	require.True(t, ok)
	assert.Len(t, row.Components, 3)

	b, ok := viewButton(view, "s", "delete")
	require.True(t, ok)
	assert.Equal(t, "❌", b.Label)

	_, ok = viewButton(view, "s", "nope")
	assert.False(t, ok)
}
