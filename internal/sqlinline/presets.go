package sqlinline

const QSelectActivePreset = `--sql 324148c1-6b9f-45f3-b383-821c108f9c40
select id, name, provider, prompt_template, credits, is_active, created_at, updated_at
from presets
where id = $1::uuid
  and is_active
limit 1;
`

const QListActivePresets = `--sql a4eec6e0-5e2b-4741-8955-8b2361f28219
select id, name, provider, prompt_template, credits, is_active, created_at, updated_at
from presets
where is_active
order by name asc;
`
