package records

// RetreatCatalogue is a small sample catalogue for local development.
func RetreatCatalogue() ([]Room, []Treatment, []MenuItem) {
	rooms := []Room{
		{ID: "room-kowhai", Name: "Kowhai", Type: "Deluxe", Capacity: 2, AvailableFrom: "2026-01-01", AvailableTo: "2027-12-31", PricePerNight: 890},
		{ID: "room-rimu", Name: "Rimu", Type: "Standard", Capacity: 1, AvailableFrom: "2026-01-01", AvailableTo: "2027-12-31", PricePerNight: 650},
		{ID: "room-totara", Name: "Totara", Type: "Suite", Capacity: 3, AvailableFrom: "2026-01-01", AvailableTo: "2027-12-31", PricePerNight: 1250},
	}
	treatments := []Treatment{
		{ID: "tr-deep-tissue", Name: "Deep Tissue Massage", Description: "Firm pressure massage for muscle recovery.", DurationMinutes: 60, Price: 180, Category: "Massage", Available: true},
		{ID: "tr-hot-stone", Name: "Hot Stone Massage", Description: "Heated basalt stones to release tension.", DurationMinutes: 90, Price: 240, Category: "Massage", Available: false},
		{ID: "tr-reflexology", Name: "Reflexology", Description: "Pressure point therapy for the feet.", DurationMinutes: 45, Price: 140, Category: "Holistic", Available: true},
		{ID: "tr-facial", Name: "Botanical Facial", Description: "Native plant extracts for hydration.", DurationMinutes: 60, Price: 200, Category: "Skin", Available: true},
	}
	menu := []MenuItem{
		{ID: "m-bircher", Name: "Bircher Muesli", Description: "Oats soaked in almond milk with fresh berries.", MealType: "breakfast", DietaryTags: []string{"vegan", "dairy-free"}, Available: true},
		{ID: "m-eggs", Name: "Poached Eggs", Description: "Free range eggs on sourdough.", MealType: "breakfast", DietaryTags: []string{"vegetarian"}, Available: true},
		{ID: "m-buddha", Name: "Buddha Bowl", Description: "Quinoa, roasted vegetables and tahini.", MealType: "lunch", DietaryTags: []string{"vegan", "gluten-free", "nut-free"}, Available: true},
		{ID: "m-salmon", Name: "Miso Salmon", Description: "Glazed salmon with greens.", MealType: "dinner", DietaryTags: []string{"gluten-free", "dairy-free"}, Available: true},
		{ID: "m-curry", Name: "Coconut Curry", Description: "Chickpea curry with cashew cream.", MealType: "dinner", DietaryTags: []string{"vegan", "gluten-free"}, Available: true},
		{ID: "m-bliss", Name: "Bliss Balls", Description: "Dates, cacao and almonds.", MealType: "snack", DietaryTags: []string{"vegan", "gluten-free"}, Available: true},
	}
	return rooms, treatments, menu
}

// SeedRetreat loads RetreatCatalogue into s.
func SeedRetreat(s *MemoryStore) {
	rooms, treatments, menu := RetreatCatalogue()
	s.AddRooms(rooms...)
	s.AddTreatments(treatments...)
	s.AddMenuItems(menu...)
}
