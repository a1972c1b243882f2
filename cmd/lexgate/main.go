package main

import (
	// Timezone data for hosts without a zoneinfo database
	_ "time/tzdata"
)

func main() {
	Execute()
}
