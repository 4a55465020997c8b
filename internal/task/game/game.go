package game

/*
Игровые задачи поверх Sequence: сбор наград за квесты, постройка здания,
обновление страниц деревни. Локаторы соответствуют разметке игры.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/tbs-engine/internal/command"
	"github.com/xela07ax/tbs-engine/internal/dom"
	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/failure"
	"github.com/xela07ax/tbs-engine/internal/task"
)

const (
	KindClaimQuest    = "claim_quest"
	KindConstruct     = "construct"
	KindUpdateVillage = "update_village"

	// предел наград за один проход, чтобы не крутиться на сломанной странице
	maxQuestCollects = 20
)

var (
	QuestMaster     = dom.ByID("questmasterButton")
	QuestBubble     = "newQuestSpeechBubble"
	QuestCollect    = dom.Locator{Tag: "button", Classes: []string{"collect"}, NotClasses: []string{"disabled"}, Within: &dom.Locator{Tag: "div", Classes: []string{"taskOverview"}}}
	QuestPageMarker = "tasks"
)

// ConstructButton — кнопка "построить" для типа здания
func ConstructButton(building int) dom.Locator {
	return dom.Locator{Tag: "button", Classes: []string{"new"}, Within: &dom.Locator{ID: "contract_building" + strconv.Itoa(building)}}
}

// Directory — сведения об аккаунте, которые нужны игровым задачам
type Directory interface {
	ServerURL(id domain.AccountID) (string, error)
	Settings(id domain.AccountID) (domain.Settings, error)
}

type Env struct {
	Commands  *command.Set
	Directory Directory
}

// VillageParams — общие параметры задач уровня деревни
type VillageParams struct {
	VillageID   string `json:"village_id"`
	VillageName string `json:"village_name,omitempty"`
}

func (p VillageParams) display() string {
	if p.VillageName != "" {
		return p.VillageName
	}
	return p.VillageID
}

type ConstructParams struct {
	VillageParams
	Location int `json:"location"`
	Building int `json:"building"`
}

// Register добавляет игровые задачи в реестр
func Register(r *task.Registry, env *Env) {
	r.Register(KindClaimQuest, func(id domain.AccountID, raw json.RawMessage) (task.Task, error) {
		var p VillageParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return env.ClaimQuest(id, p), nil
	})
	r.Register(KindConstruct, func(id domain.AccountID, raw json.RawMessage) (task.Task, error) {
		var p ConstructParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if p.Location <= 0 || p.Building <= 0 {
			return nil, fmt.Errorf("%w: location and building are required", task.ErrInvalidParams)
		}
		return env.Construct(id, p), nil
	})
	r.Register(KindUpdateVillage, func(id domain.AccountID, raw json.RawMessage) (task.Task, error) {
		var p VillageParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return env.UpdateVillage(id, p), nil
	})
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", task.ErrInvalidParams, err)
	}
	return nil
}

// ClaimQuest: переключиться на деревню, проверить маркер нового квеста,
// открыть список заданий и собрать все доступные награды.
func (e *Env) ClaimQuest(id domain.AccountID, p VillageParams) task.Task {
	return task.NewSequence(task.Spec{
		Kind:      KindClaimQuest,
		AccountID: id,
		VillageID: p.VillageID,
		Name:      func() string { return "Claim quests in " + p.display() },
		Steps: func() []task.Step {
			return []task.Step{
				task.Do(e.dorf(p.VillageID, 1)),
				task.Do(command.Func("collect quest rewards", func(ctx context.Context, id domain.AccountID) error {
					return e.collectQuests(ctx, id)
				})),
				task.Do(e.dorf(p.VillageID, 1)),
			}
		},
	})
}

func (e *Env) collectQuests(ctx context.Context, id domain.AccountID) error {
	page, err := e.Commands.Sessions.Page(id)
	if err != nil {
		return failure.Trace(err)
	}
	// Маркера нет — собирать нечего, это не ошибка
	if !e.Commands.Query.HasMarker(page.Document(), QuestMaster, QuestBubble) {
		page.Log("No quest to claim")
		return nil
	}
	if err := e.Commands.ClickAndWait("quest master", QuestMaster, QuestPageMarker).Execute(ctx, id); err != nil {
		return failure.Trace(err)
	}

	pause := e.clickDelay(id)
	for i := 0; i < maxQuestCollects; i++ {
		if _, ok := e.Commands.Query.FindInteractiveElement(page.Document(), QuestCollect); !ok {
			return nil
		}
		if err := e.Commands.Click("collect", QuestCollect).Execute(ctx, id); err != nil {
			return failure.Trace(err)
		}
		if err := pause.Execute(ctx, id); err != nil {
			return failure.Trace(err)
		}
	}
	return nil
}

// Construct: открыть слот, нажать "построить", дождаться возврата на dorf
func (e *Env) Construct(id domain.AccountID, p ConstructParams) task.Task {
	return task.NewSequence(task.Spec{
		Kind:      KindConstruct,
		AccountID: id,
		VillageID: p.VillageID,
		Key:       fmt.Sprintf("%s/%s/%s/%d", KindConstruct, id, p.VillageID, p.Location),
		Name: func() string {
			return fmt.Sprintf("Construct building %d at %d in %s", p.Building, p.Location, p.display())
		},
		Steps: func() []task.Step {
			return []task.Step{
				task.Do(e.page("build.php", p.VillageID, url.Values{"id": {strconv.Itoa(p.Location)}})),
				task.Do(e.clickDelay(id)),
				task.Do(e.Commands.ClickAndWait("construct", ConstructButton(p.Building), "dorf")),
			}
		},
	})
}

// UpdateVillage перечитывает поля (dorf1) и центр (dorf2)
func (e *Env) UpdateVillage(id domain.AccountID, p VillageParams) task.Task {
	return task.NewSequence(task.Spec{
		Kind:      KindUpdateVillage,
		AccountID: id,
		VillageID: p.VillageID,
		Name:      func() string { return "Update " + p.display() },
		Steps: func() []task.Step {
			return []task.Step{
				task.Do(e.dorf(p.VillageID, 1)),
				task.Do(e.clickDelay(id)),
				task.Do(e.dorf(p.VillageID, 2)),
			}
		},
	})
}

func (e *Env) dorf(village string, n int) command.Command {
	return e.page(fmt.Sprintf("dorf%d.php", n), village, nil)
}

// page строит команду перехода. Адрес сервера берется при выполнении,
// чтобы задача видела актуальные данные аккаунта.
func (e *Env) page(path, village string, query url.Values) command.Command {
	return command.Func("navigate "+path, func(ctx context.Context, id domain.AccountID) error {
		base, err := e.Directory.ServerURL(id)
		if err != nil {
			return failure.FatalErr(err, "resolve server url")
		}
		return failure.Trace(e.Commands.Navigate(pageURL(base, path, village, query)).Execute(ctx, id))
	})
}

func pageURL(base, path, village string, query url.Values) string {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if village != "" {
		q.Set("newdid", village)
	}
	u := strings.TrimRight(base, "/") + "/" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (e *Env) clickDelay(id domain.AccountID) command.Command {
	s, err := e.Directory.Settings(id)
	if err != nil {
		return command.Delay(0, 0)
	}
	return command.Delay(time.Duration(s.ClickDelayMin)*time.Millisecond, time.Duration(s.ClickDelayMax)*time.Millisecond)
}
