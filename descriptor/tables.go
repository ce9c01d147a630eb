/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package descriptor

import (
	"sort"
	"strconv"

	"github.com/dwarfhack/memlayout/offsets"
)

func find[V any](m map[int]V, tbl string, id int) (V, error) {
	v, ok := m[id]
	if !ok {
		var zero V
		return zero, &offsets.KeyError{Table: tbl, Key: strconv.Itoa(id), Kind: offsets.KeyMissing}
	}
	return v, nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func (d *Descriptor) SetProfession(id int, name string) { d.professions[id] = name }
func (d *Descriptor) SetJob(id int, name string)        { d.jobs[id] = name }
func (d *Descriptor) SetSkill(id int, name string)      { d.skills[id] = name }
func (d *Descriptor) SetLabor(id int, name string)      { d.labors[id] = name }
func (d *Descriptor) SetMood(id int, name string)       { d.moods[id] = name }
func (d *Descriptor) SetTrait(id int, t Trait)          { d.traits[id] = t }

// SetLevel records the experience needed to advance past level.
func (d *Descriptor) SetLevel(level int, xpToNext uint32) { d.levels[level] = xpToNext }

func (d *Descriptor) Profession(id int) (string, error) { return find(d.professions, "profession", id) }
func (d *Descriptor) Job(id int) (string, error)        { return find(d.jobs, "job", id) }
func (d *Descriptor) Skill(id int) (string, error)      { return find(d.skills, "skill", id) }
func (d *Descriptor) Labor(id int) (string, error)      { return find(d.labors, "labor", id) }
func (d *Descriptor) Mood(id int) (string, error)       { return find(d.moods, "mood", id) }
func (d *Descriptor) Level(level int) (uint32, error)   { return find(d.levels, "level", level) }
func (d *Descriptor) Trait(id int) (Trait, error)       { return find(d.traits, "trait", id) }

// TraitLevel returns the description of trait id at intensity level 0-5.
func (d *Descriptor) TraitLevel(id, level int) (string, error) {
	t, err := d.Trait(id)
	if err != nil {
		return "", err
	}
	if level < 0 || level >= len(t.Levels) {
		return "", &offsets.KeyError{Table: "trait level", Key: strconv.Itoa(level), Kind: offsets.KeyMissing}
	}
	return t.Levels[level], nil
}

// LevelForExperience returns the highest level whose cumulative threshold
// xp has reached, walking the level table in order.
func (d *Descriptor) LevelForExperience(xp uint64) int {
	level := 0
	var total uint64
	for _, l := range sortedKeys(d.levels) {
		total += uint64(d.levels[l])
		if xp < total {
			return l
		}
		level = l + 1
	}
	return level
}

// TableSizes reports how many entries each lookup table holds.
func (d *Descriptor) TableSizes() map[string]int {
	return map[string]int{
		"professions": len(d.professions),
		"jobs":        len(d.jobs),
		"skills":      len(d.skills),
		"labors":      len(d.labors),
		"moods":       len(d.moods),
		"levels":      len(d.levels),
		"traits":      len(d.traits),
	}
}
