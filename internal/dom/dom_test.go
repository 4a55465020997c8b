package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const questPage = `<html><body>
<div id="sidebar">
  <a id="questmasterButton" class="questmaster"><div class="newQuestSpeechBubble"></div></a>
</div>
<div class="taskOverview">
  <button class="collect disabled">Collect</button>
  <button class="collect" value="7">Collect reward</button>
</div>
</body></html>`

func TestFindInteractiveElement(t *testing.T) {
	doc, err := Parse(questPage)
	require.NoError(t, err)
	q := NewHTMLQuery()

	loc := Locator{
		Tag:        "button",
		Classes:    []string{"collect"},
		NotClasses: []string{"disabled"},
		Within:     &Locator{Tag: "div", Classes: []string{"taskOverview"}},
	}
	el, ok := q.FindInteractiveElement(doc, loc)
	require.True(t, ok)
	assert.Equal(t, "Collect reward", el.Text())
	v, _ := el.Attr("value")
	assert.Equal(t, "7", v)
	assert.Equal(t, "div.taskOverview button.collect:not(.disabled)", el.Selector)

	_, ok = q.FindInteractiveElement(doc, ByID("constructButton"))
	assert.False(t, ok)
}

func TestHasMarker(t *testing.T) {
	doc, err := Parse(questPage)
	require.NoError(t, err)
	q := NewHTMLQuery()

	assert.True(t, q.HasMarker(doc, ByID("questmasterButton"), "newQuestSpeechBubble"))
	assert.False(t, q.HasMarker(doc, ByID("sidebar"), "collect"))
	assert.True(t, q.HasMarker(doc, Locator{}, "taskOverview"))
	assert.False(t, q.HasMarker(doc, ByID("missing"), "newQuestSpeechBubble"))
	assert.False(t, q.HasMarker(nil, Locator{}, "x"))
}

func TestSelector(t *testing.T) {
	assert.Equal(t, "#questmasterButton", ByID("questmasterButton").Selector())
	assert.Equal(t, "*", Locator{}.Selector())
	assert.Equal(t, "#content *", Locator{Within: &Locator{ID: "content"}}.Selector())
}
